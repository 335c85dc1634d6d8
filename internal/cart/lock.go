package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
	"github.com/angelmondragon/farmmarket-backend/pkg/redis"
)

const lockScope = "cart"

// Locker serializes cart mutations for one buyer. The returned func releases
// the lock and must always be called.
type Locker interface {
	Lock(ctx context.Context, buyerID uuid.UUID) (func(), error)
}

type leaseAcquirer interface {
	Acquire(ctx context.Context, key string) (*redis.Lease, error)
}

type lockKeyBuilder interface {
	LockKey(scope, id string) string
}

// BuyerLocker adapts the redis keyed locker to per-buyer cart locks.
type BuyerLocker struct {
	locker leaseAcquirer
	keys   lockKeyBuilder
	logg   *logger.Logger
}

// NewBuyerLocker builds a per-buyer cart lock.
func NewBuyerLocker(locker leaseAcquirer, keys lockKeyBuilder, logg *logger.Logger) (*BuyerLocker, error) {
	if locker == nil {
		return nil, errors.New("keyed locker required")
	}
	if keys == nil {
		return nil, errors.New("lock key builder required")
	}
	return &BuyerLocker{locker: locker, keys: keys, logg: logg}, nil
}

func (l *BuyerLocker) Lock(ctx context.Context, buyerID uuid.UUID) (func(), error) {
	lease, err := l.locker.Acquire(ctx, l.keys.LockKey(lockScope, buyerID.String()))
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "cart busy")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cart lock unavailable")
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil && l.logg != nil {
			l.logg.Error(l.logg.WithUserID(ctx, buyerID.String()), "release cart lock", err)
		}
	}, nil
}
