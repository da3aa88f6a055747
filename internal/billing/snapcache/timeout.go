package snapcache

import (
	"context"
	"time"

	billingerrors "github.com/rcourtman/pulse-billing/internal/errors"
	"github.com/rcourtman/pulse-billing/pkg/entitlements"
)

type timeoutCache struct {
	inner   Cache
	timeout time.Duration
}

// WithTimeout bounds every call on c. A call that overruns returns an error
// matching ErrCacheTimeout, and Get reports a miss.
func WithTimeout(c Cache, timeout time.Duration) Cache {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &timeoutCache{inner: c, timeout: timeout}
}

type getResult struct {
	snap entitlements.Snapshot
	ok   bool
	err  error
}

func (t *timeoutCache) Get(ctx context.Context, accountID string) (entitlements.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan getResult, 1)
	go func() {
		snap, ok, err := t.inner.Get(ctx, accountID)
		done <- getResult{snap, ok, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return entitlements.Snapshot{}, false, timeoutErr("cache_get", accountID, r.err)
		}
		return r.snap, r.ok, r.err
	case <-ctx.Done():
		return entitlements.Snapshot{}, false, timeoutErr("cache_get", accountID, ctx.Err())
	}
}

func (t *timeoutCache) Put(ctx context.Context, accountID string, snap entitlements.Snapshot, schemaVersion int) error {
	return t.run(ctx, "cache_put", accountID, func(ctx context.Context) error {
		return t.inner.Put(ctx, accountID, snap, schemaVersion)
	})
}

func (t *timeoutCache) Invalidate(ctx context.Context, accountID string, known *entitlements.Snapshot) error {
	return t.run(ctx, "cache_invalidate", accountID, func(ctx context.Context) error {
		return t.inner.Invalidate(ctx, accountID, known)
	})
}

func (t *timeoutCache) run(ctx context.Context, op, accountID string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return timeoutErr(op, accountID, err)
		}
		return err
	case <-ctx.Done():
		return timeoutErr(op, accountID, ctx.Err())
	}
}

func timeoutErr(op, accountID string, cause error) error {
	return billingerrors.New(billingerrors.KindCacheTimeout, op, cause).WithAccount(accountID)
}
