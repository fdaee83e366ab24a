// Package feed delivers full-state snapshots to a single callback.
//
// Each Feed owns one delivery goroutine and a one-slot mailbox: publishing a
// newer value replaces an undelivered older one, so a slow consumer skips
// intermediate states but never sees them out of order.
package feed

import (
	"sync"
	"sync/atomic"
)

// Feed is a coalescing, single-consumer snapshot stream.
type Feed[T any] struct {
	mailbox chan T
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	mu      sync.Mutex
	onClose func()
}

// New starts a feed that invokes cb for every delivered value.
func New[T any](cb func(T)) *Feed[T] {
	f := &Feed[T]{
		mailbox: make(chan T, 1),
		done:    make(chan struct{}),
	}
	go f.loop(cb)
	return f
}

func (f *Feed[T]) loop(cb func(T)) {
	for {
		select {
		case v := <-f.mailbox:
			f.mu.Lock()
			stop := f.closed.Load()
			f.mu.Unlock()
			if stop {
				return
			}
			cb(v)
		case <-f.done:
			return
		}
	}
}

// Publish queues v for delivery, replacing any value not yet delivered.
func (f *Feed[T]) Publish(v T) {
	if f.closed.Load() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.mailbox:
	default:
	}
	f.mailbox <- v
}

// OnClose registers fn to run once when the feed is closed.
func (f *Feed[T]) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

// Close stops delivery. No callback starts after Close returns; one that was
// already running may finish. Safe to call more than once and from inside the
// callback.
func (f *Feed[T]) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed.Store(true)
		fn := f.onClose
		f.mu.Unlock()
		close(f.done)
		if fn != nil {
			fn()
		}
	})
}

// Closed reports whether Close has been called.
func (f *Feed[T]) Closed() bool {
	return f.closed.Load()
}
