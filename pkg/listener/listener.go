package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener runs handler for every value received on in, one at a time, on a
// single background goroutine. Handler errors are reported, never fatal.
type Listener[T any] struct {
	name    string
	handler func(ctx context.Context, input T) error
	onError func(err error)

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

type Option[T any] func(*Listener[T])

// WithErrorHandler replaces the default error log.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		name:    name,
		in:      in,
		handler: handler,
		cancel:  func() {},
	}
	l.onError = func(err error) {
		slog.Error("listener job failed", "listener", l.name, "error", err)
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(ctx, inp); err != nil {
					l.onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight handler to return.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}
