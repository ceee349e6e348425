// Package discovery wires etcd into the orchestrator. etcd holds the
// cluster-wide scale lock so only one orchestrator mutates a cluster at a time.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// EtcdLocker holds key through an etcd session. If the holder dies the
// session lease expires after ttl seconds and the lock is released.
type EtcdLocker struct {
	cli *clientv3.Client
	key string
	ttl int
	log *zap.Logger
}

func NewEtcdLocker(cli *clientv3.Client, key string, ttlSeconds int, log *zap.Logger) *EtcdLocker {
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdLocker{cli: cli, key: key, ttl: ttlSeconds, log: log.Named("lock")}
}

// Lock blocks until the lock is held or ctx is done.
func (l *EtcdLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	// session is bound to the client, not ctx: the lease must survive a
	// cancelled scale call until unlock runs
	sess, err := concurrency.NewSession(l.cli, concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	m := concurrency.NewMutex(sess, l.key)
	if err := m.Lock(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.log.Debug("lock acquired", zap.String("key", l.key), zap.Int64("lease", int64(sess.Lease())))

	return func(ctx context.Context) error {
		uerr := m.Unlock(ctx)
		cerr := sess.Close()
		l.log.Debug("lock released", zap.String("key", l.key))
		return errors.Join(uerr, cerr)
	}, nil
}
