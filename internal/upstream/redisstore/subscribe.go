package redisstore

import (
	"context"
	"sync"

	"github.com/matheus3301/huddle/internal/feed"
	"go.uber.org/zap"
)

// subscribe listens on channel and delivers a fresh snapshot from load for
// the initial state and after every signal. Signals that arrive while a
// snapshot is pending delivery coalesce into the newest one.
func subscribe[T any](s *Store, channel string, load func(context.Context) (T, error), cb func(T)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, netErr("subscribe "+channel, err)
	}
	initial, err := load(ctx)
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, netErr("subscribe "+channel, err)
	}

	f := feed.New(cb)
	f.Publish(initial)

	done := make(chan struct{})
	signals := ps.Channel()
	go func() {
		defer close(done)
		for {
			select {
			case _, ok := <-signals:
				if !ok {
					return
				}
				snap, err := load(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Warn("snapshot reload failed", zap.String("channel", channel), zap.Error(err))
					continue
				}
				f.Publish(snap)
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.Close()
			cancel()
			_ = ps.Close()
			<-done
		})
	}, nil
}
