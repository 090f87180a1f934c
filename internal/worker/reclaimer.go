package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/queue"
)

type RedisReclaimerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// MinIdle is how long a message must sit unacknowledged before it is
	// taken over.
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// RedisReclaimer takes over command messages left pending by a daemon that
// exited between reading and acknowledging them.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	consumer  Consumer
	processor queue.MessageProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, consumer Consumer, processor queue.MessageProcessor) *RedisReclaimer {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run sweeps once per interval until Stop is called or ctx is done.
func (r *RedisReclaimer) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobd.worker.reclaimer",
	})
	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			n, err := r.ReclaimOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "reclaim sweep failed", "error", err)
			} else if n > 0 {
				slog.InfoContext(ctx, "reclaimed stale messages", "count", n)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce walks the pending list once with XAUTOCLAIM and processes
// every message it takes over. It returns how many it claimed.
func (r *RedisReclaimer) ReclaimOnce(ctx context.Context) (int, error) {
	claimed := 0
	cursor := "0-0"
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.MinIdle,
			Start:    cursor,
			Count:    r.cfg.BatchSize,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("xautoclaim (stream=%s): %w", r.cfg.Stream, err)
		}

		for _, raw := range messages {
			claimed++
			r.handle(ctx, raw)
		}

		if next == "0-0" || next == "" {
			return claimed, nil
		}
		cursor = next
	}
}

func (r *RedisReclaimer) handle(ctx context.Context, raw redis.XMessage) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: raw.ID,
	})

	msg, err := queue.ParseMessage(raw)
	if err != nil {
		// acknowledge so the entry is not claimed forever
		slog.ErrorContext(ctx, "dropping unparsable reclaimed message", "error", err)
		_ = r.consumer.Ack(ctx, queue.Message{ID: raw.ID, Raw: raw})
		return
	}

	start := time.Now()
	if err := r.processor(ctx, msg); err != nil {
		slog.WarnContext(ctx, "reclaimed message failed", "error", err, "command", msg.Command)
		return
	}
	slog.DebugContext(ctx, "reclaimed message processed",
		"command", msg.Command,
		"duration_ms", time.Since(start).Milliseconds())
}
