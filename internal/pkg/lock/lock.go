// internal/pkg/lock/lock.go
package lock

import (
	"context"
	"hash/fnv"

	xerrors "billing-service/internal/pkg/errors"
)

// Locker hands out non-blocking exclusive locks keyed by name. A held key
// reports ok=false rather than waiting. The returned release is safe to call
// more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// WithLock runs fn while holding key and releases on every exit path.
// It returns xerrors.ErrLockBusy without calling fn when key is held.
func WithLock(ctx context.Context, l Locker, key string, fn func(ctx context.Context) error) error {
	release, ok, err := l.TryLock(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.ErrLockBusy
	}
	defer release()

	return fn(ctx)
}

// HashKey maps key onto the non-negative int64 space used by Postgres
// advisory locks (FNV-1a).
func HashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
