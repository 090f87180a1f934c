// Package worker runs control commands received over a Redis stream.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lsh.app/jobd/common/logger"
	"lsh.app/jobd/internal/domain"
	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/queue"
)

const DefaultMaxAttempts = 3

type Config struct {
	MaxAttempts int
	// ErrorBackoff is the pause after a failed read.
	ErrorBackoff time.Duration
}

type Worker struct {
	consumer Consumer
	handler  CommandHandler
	replier  Replier
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// errRetryable marks a command that failed inside the daemon and may
// succeed when run again.
var errRetryable = errors.New("retryable command failure")

func New(consumer Consumer, handler CommandHandler, replier Replier, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		consumer:  consumer,
		handler:   handler,
		replier:   replier,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "jobd.worker",
	})
	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				select {
				case <-time.After(w.cfg.ErrorBackoff):
				case <-w.stopCh:
					slog.InfoContext(ctx, "worker stopping")
					return nil
				}
			}
		}
	}
}

// Stop asks Run to return after the current batch and waits for it.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		w.Process(ctx, msg)
	}
	return nil
}

// Process runs msg and settles it: acknowledged on success or a final
// answer, requeued or dead-lettered on an internal failure. The reclaimer
// uses it for stale messages.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	if err := w.processMessageSafe(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "message processing failed",
			"error", err,
			"message_id", msg.ID,
			"command", msg.Command)
		w.handleFailedMessage(ctx, msg, err)
		return err
	}
	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"command", msg.Command)
			err = fmt.Errorf("%w: panic: %v", errRetryable, r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs the command of msg. Answers with a coded error other
// than INTERNAL are final and are replied like successes.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: msg.RequestID,
		Command:   msg.Command,
		Attempt:   logger.Ptr(msg.Attempt),
	})

	span := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker."+msg.Command,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.attempt", msg.Attempt)))
	defer span.End()
	ctx = span.Context()

	slog.InfoContext(ctx, "processing command message", "message_id", msg.ID)

	resp := w.handler.Handle(ctx, ipc.Request{
		ID:      msg.RequestID,
		Command: msg.Command,
		Args:    msg.Args,
	})
	if !resp.Success && domain.CodeOf(resp.Err()) == domain.CodeInternal {
		span.RecordError(resp.Err())
		return fmt.Errorf("%w: %v", errRetryable, resp.Err())
	}

	w.reply(ctx, msg, resp)

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// the reclaimer may run it again
		slog.WarnContext(ctx, "failed to ACK message", "error", err, "message_id", msg.ID)
	}
	return nil
}

func (w *Worker) reply(ctx context.Context, msg queue.Message, resp ipc.Response) {
	if msg.ReplyTo == "" || w.replier == nil {
		return
	}
	if err := w.replier.Reply(ctx, msg.ReplyTo, resp); err != nil {
		slog.WarnContext(ctx, "failed to send reply",
			"error", err,
			"reply_to", msg.ReplyTo,
			"message_id", msg.ID)
	}
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"command", msg.Command,
			"attempts", msg.Attempt)
		w.reply(ctx, msg, ipc.ErrorResponse(msg.RequestID, err))
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"command", msg.Command,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
