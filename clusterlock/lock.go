// Package clusterlock implements a single-active-follower lease lock on
// etcd, so that at most one follower process runs against a given master
// at a time (spec.md §9 supplemented feature #1).
package clusterlock

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Lock holds an etcd-backed mutex over a single key.
type Lock struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
	key     string
}

// Acquire blocks until the lock at key is held, or ctx is cancelled. ttl is
// the lease TTL in seconds; if this process dies without releasing, the
// lock is freed after ttl seconds so another follower can take over.
func Acquire(ctx context.Context, etcd *clientv3.Client, key string, ttlSeconds int) (*Lock, error) {
	session, err := concurrency.NewSession(etcd, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, fmt.Errorf("starting etcd session: %w", err)
	}
	var mutex = concurrency.NewMutex(session, key)
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("acquiring cluster lock %s: %w", key, err)
	}
	return &Lock{session: session, mutex: mutex, key: key}, nil
}

// Release gives up the lock and closes the underlying session.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.mutex.Unlock(ctx); err != nil {
		l.session.Close()
		return fmt.Errorf("releasing cluster lock %s: %w", l.key, err)
	}
	return l.session.Close()
}

// Done returns a channel closed when the lock's session expires or is
// orphaned (e.g. an etcd partition), so the holder can stop the follower
// loop rather than keep running believing it's still exclusive.
func (l *Lock) Done() <-chan struct{} {
	return l.session.Done()
}
