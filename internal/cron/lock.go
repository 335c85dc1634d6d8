package cron

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/farmmarket-backend/pkg/redis"
)

// Lock coordinates exclusive cron runs across replicas.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type leaseAcquirer interface {
	Acquire(ctx context.Context, key string) (*redis.Lease, error)
}

// LeaseLock holds a redis lease for the duration of one cycle.
type LeaseLock struct {
	locker leaseAcquirer
	key    string
	lease  *redis.Lease
}

// NewLeaseLock builds a cycle lock on key. The locker's TTL must outlast a
// full cycle and its wait budget should be zero so busy cycles are skipped.
func NewLeaseLock(locker leaseAcquirer, key string) (*LeaseLock, error) {
	if locker == nil {
		return nil, errors.New("locker required for cron lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	return &LeaseLock{locker: locker, key: key}, nil
}

// Acquire reports false when another instance owns the cycle.
func (l *LeaseLock) Acquire(ctx context.Context) (bool, error) {
	lease, err := l.locker.Acquire(ctx, l.key)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return false, nil
		}
		return false, fmt.Errorf("acquire cron lease: %w", err)
	}
	l.lease = lease
	return true, nil
}

// Release frees the lease if this instance still owns it.
func (l *LeaseLock) Release(ctx context.Context) error {
	if l.lease == nil {
		return nil
	}
	err := l.lease.Release(ctx)
	l.lease = nil
	return err
}
