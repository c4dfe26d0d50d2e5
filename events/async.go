package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shrtyk/raft-showtimes/pkg/logger"
)

const publishTimeout = 2 * time.Second

// Async publishes on a background goroutine so callers never wait for the
// broker. Events that do not fit in the buffer are dropped.
type Async struct {
	next    Publisher
	queue   chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsync(next Publisher, buffer int, l *slog.Logger) *Async {
	a := &Async{
		next:   next,
		queue:  make(chan Event, buffer),
		logger: l.With(slog.String("component", "events")),
	}
	a.wg.Go(a.run)
	return a
}

func (a *Async) run() {
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("event lost", slog.String("type", ev.Type), logger.ErrAttr(err))
		}
		cancel()
	}
}

// Publish enqueues ev and returns immediately.
func (a *Async) Publish(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
		a.logger.Warn("event buffer full, dropping event", slog.String("type", ev.Type))
	}
	return nil
}

// Dropped reports how many events did not fit in the buffer.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes buffered events and closes the underlying publisher.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.wg.Wait()
		err = a.next.Close()
	})
	return err
}
