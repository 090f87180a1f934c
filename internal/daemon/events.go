package daemon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"lsh.app/jobd/internal/model"
)

const DefaultSubscriberBuffer = 64

// Broker fans job events out to subscribers. Publish never blocks: an event
// that does not fit in a subscriber's buffer is dropped and counted.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan model.JobEvent
	next    int
	closed  bool
	dropped atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan model.JobEvent)}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it. The channel is also closed when the broker is.
func (b *Broker) Subscribe(buffer int) (<-chan model.JobEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan model.JobEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broker) Publish(e model.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// LogEvents writes each event to the default logger until the channel is
// closed or ctx is done.
func LogEvents(ctx context.Context, events <-chan model.JobEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"event", string(e.Type)}
			if e.JobID != "" {
				attrs = append(attrs, "job_id", e.JobID, "status", string(e.Status))
			}
			if e.ExecutionID != "" {
				attrs = append(attrs, "execution_id", e.ExecutionID, "attempt", e.Attempt)
			}
			if e.ExitCode != nil {
				attrs = append(attrs, "exit_code", *e.ExitCode)
			}
			if e.Error != "" {
				attrs = append(attrs, "error", e.Error)
			}
			slog.DebugContext(ctx, "job event", attrs...)
		}
	}
}
