package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/model"
)

// DefaultEventsMaxLen caps the events stream, approximately.
const DefaultEventsMaxLen = 10000

// RedisProducer writes job events and command replies to streams.
type RedisProducer struct {
	client       *redis.Client
	eventsStream string
	maxLen       int64
}

func NewRedisProducer(client *redis.Client, eventsStream string) *RedisProducer {
	return &RedisProducer{
		client:       client,
		eventsStream: eventsStream,
		maxLen:       DefaultEventsMaxLen,
	}
}

func (p *RedisProducer) PublishEvent(ctx context.Context, e model.JobEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	values := map[string]any{
		"type":  string(e.Type),
		"event": string(payload),
	}
	if e.JobID != "" {
		values["job_id"] = e.JobID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.eventsStream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd event (stream=%s): %w", p.eventsStream, err)
	}
	return nil
}

// Run publishes events until the channel is closed or ctx is done.
func (p *RedisProducer) Run(ctx context.Context, events <-chan model.JobEvent) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobd.queue.producer",
	})

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.PublishEvent(ctx, e); err != nil {
				slog.WarnContext(ctx, "failed to publish event", "error", err, "event", string(e.Type))
			}
		}
	}
}

// Reply appends resp to stream.
func (p *RedisProducer) Reply(ctx context.Context, stream string, resp ipc.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"request_id": resp.ID,
			"success":    resp.Success,
			"response":   string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd reply (stream=%s): %w", stream, err)
	}
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}
