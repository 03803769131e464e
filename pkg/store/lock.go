package store

import (
	"context"
	"errors"
	"time"
)

var ErrLockHeld = errors.New("lock is held by another owner")

// Lock is a TTL lease on a single Cache key. The TTL bounds how long a crashed
// holder can block others.
type Lock struct {
	Cache Cache
	Key   string
	TTL   time.Duration
}

// Acquire takes the lease for owner. It returns ErrLockHeld while someone else has it.
func (l Lock) Acquire(ctx context.Context, owner string) error {
	ok, err := l.Cache.SetNX(ctx, l.Key, owner, l.TTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Holder returns the current owner, or "" when the lease is free.
func (l Lock) Holder(ctx context.Context) (string, error) {
	v, err := l.Cache.Get(ctx, l.Key)
	if IsMiss(err) {
		return "", nil
	}
	return v, err
}

// Release frees the lease if owner still holds it. Releasing a lease that
// expired or passed to someone else is a no-op.
func (l Lock) Release(ctx context.Context, owner string) error {
	holder, err := l.Holder(ctx)
	if err != nil {
		return err
	}
	if holder != owner {
		return nil
	}
	return l.Cache.Del(ctx, l.Key)
}
