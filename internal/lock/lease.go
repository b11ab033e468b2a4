// Package lock provides the instance dispatch lease used when several
// monitor replicas share one domain list. Exactly one instance dispatches
// checks at a time; the others idle until the lease frees.
package lock

import (
	"context"
	"log/slog"
	"time"

	"domainwatch/internal/platform/redis"
	"domainwatch/pkg/platform/sentinel"
)

const leaseKey = "domainwatch:dispatch-lease"

// Lease is a TTL'd exclusive claim in Redis. The holder renews at a third
// of the TTL; a crashed holder frees the lease by expiry.
type Lease struct {
	logger     *slog.Logger
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewLease builds the lease handle.
func NewLease(client *redis.Client, instanceID string, ttl time.Duration, logger *slog.Logger) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{logger: logger, client: client, instanceID: instanceID, ttl: ttl}
}

// Acquire attempts to claim the lease. Returns sentinel.ErrLockHeld when
// another instance owns it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, leaseKey, l.instanceID, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		holder, _ := l.client.Get(ctx, leaseKey).Result()
		if holder == l.instanceID {
			// Already ours, refresh.
			return l.Renew(ctx)
		}
		return sentinel.ErrLockHeld
	}
	return nil
}

// Renew extends the lease if this instance still holds it.
func (l *Lease) Renew(ctx context.Context) error {
	holder, err := l.client.Get(ctx, leaseKey).Result()
	if err != nil {
		return err
	}
	if holder != l.instanceID {
		return sentinel.ErrLockHeld
	}
	return l.client.Expire(ctx, leaseKey, l.ttl).Err()
}

// Release frees the lease if held by this instance.
func (l *Lease) Release(ctx context.Context) error {
	holder, err := l.client.Get(ctx, leaseKey).Result()
	if err != nil || holder != l.instanceID {
		return err
	}
	return l.client.Del(ctx, leaseKey).Err()
}

// Keep holds the lease until ctx is cancelled, calling onChange whenever
// ownership is gained or lost. Intended to run as its own goroutine.
func (l *Lease) Keep(ctx context.Context, onChange func(held bool)) error {
	held := false
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update := func() {
		var err error
		if held {
			err = l.Renew(ctx)
		} else {
			err = l.Acquire(ctx)
		}
		nowHeld := err == nil
		if nowHeld != held {
			held = nowHeld
			l.logger.Info("dispatch lease ownership changed", "held", held, "instance", l.instanceID)
			onChange(held)
		} else if err != nil && err != sentinel.ErrLockHeld {
			l.logger.Warn("dispatch lease check failed", "error", err)
		}
	}

	update()
	for {
		select {
		case <-ctx.Done():
			if held {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = l.Release(releaseCtx)
			}
			return ctx.Err()
		case <-ticker.C:
			update()
		}
	}
}
