package scaler

import "context"

// Locker provides the single-writer guarantee scale operations rely on. Lock
// blocks until held and returns the matching unlock.
type Locker interface {
	Lock(ctx context.Context) (func(context.Context) error, error)
}

// LocalLocker serializes scale operations inside one process. Use it only
// when a single orchestrator instance manages the cluster.
type LocalLocker struct {
	sem chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

func (l *LocalLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	select {
	case l.sem <- struct{}{}:
		return func(context.Context) error {
			<-l.sem
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
