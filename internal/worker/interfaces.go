package worker

import (
	"context"

	"lsh.app/jobd/internal/ipc"
	"lsh.app/jobd/internal/queue"
)

// Consumer abstracts the command stream for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// CommandHandler runs one control request. *ipc.Handler implements it.
type CommandHandler interface {
	Handle(ctx context.Context, req ipc.Request) ipc.Response
}

// Replier delivers a response to the stream a message named.
type Replier interface {
	Reply(ctx context.Context, stream string, resp ipc.Response) error
}
