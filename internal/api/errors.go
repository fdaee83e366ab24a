package api

import (
	"sync"

	"github.com/matheus3301/huddle/internal/model"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// statusError maps an engine error to a gRPC status for streaming calls,
// which have no result envelope to carry it.
func statusError(op string, err error) error {
	code := codes.Internal
	switch model.KindOf(err) {
	case model.KindAuthNotReady:
		code = codes.FailedPrecondition
	case model.KindValidation:
		code = codes.InvalidArgument
	case model.KindNetwork:
		code = codes.Unavailable
	case model.KindNotFound:
		code = codes.NotFound
	case model.KindBusy:
		code = codes.Aborted
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

// latest hands the newest snapshot from engine callbacks to a stream loop,
// dropping any the loop has not picked up yet.
type latest[T any] struct {
	mu sync.Mutex
	ch chan T
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ch: make(chan T, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}
