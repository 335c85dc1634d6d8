package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL  = 10 * time.Second
	defaultLockPoll = 25 * time.Millisecond
)

// ErrLockNotAcquired is returned when the wait budget runs out.
var ErrLockNotAcquired = errors.New("lock not acquired")

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DelIfEqual(ctx context.Context, key, expected string) (bool, error)
}

// KeyedLocker hands out short-lived SETNX locks for arbitrary keys and polls
// until the wait budget is spent.
type KeyedLocker struct {
	store lockStore
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

func NewKeyedLocker(store lockStore, ttl, wait time.Duration) (*KeyedLocker, error) {
	if store == nil {
		return nil, errors.New("redis store required for locker")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if wait < 0 {
		wait = 0
	}
	return &KeyedLocker{store: store, ttl: ttl, wait: wait, poll: defaultLockPoll}, nil
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	store lockStore
	key   string
	owner string
}

// Acquire blocks until the key is owned, the wait budget elapses or ctx ends.
func (l *KeyedLocker) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	owner := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.store.SetNX(ctx, key, owner, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("setnx: %w", err)
		}
		if ok {
			return &Lease{store: l.store, key: key, owner: owner}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockNotAcquired
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release frees the lock only if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.owner == "" {
		return nil
	}
	if _, err := l.store.DelIfEqual(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.owner = ""
	return nil
}
