// Package lock serializes commits of the same operation across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/stocktake/internal/clock"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock: not obtained")

// Lease is a held lock.
type Lease interface {
	// Refresh extends the lease to ttl from now. It returns ErrNotObtained
	// once the lease has expired or passed to another holder.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases keyed by name. A lease expires after ttl even if
// it is never released.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Key returns the lock key for an operation reference.
func Key(ref string) string { return "lock:" + ref }

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]*localLease
	now  func() time.Time
}

// NewLocal returns an empty in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]*localLease), now: time.Now}
}

type localLease struct {
	owner   *Local
	key     string
	expires time.Time
}

// Obtain takes key for ttl, or returns ErrNotObtained while an unexpired
// lease holds it.
func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrNotObtained
	}
	lease := &localLease{owner: l, key: key, expires: now.Add(ttl)}
	l.held[key] = lease
	return lease, nil
}

func (ll *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	now := ll.owner.now()
	if ll.owner.held[ll.key] != ll || !now.Before(ll.expires) {
		return ErrNotObtained
	}
	ll.expires = now.Add(ttl)
	return nil
}

func (ll *localLease) Release(context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	if ll.owner.held[ll.key] == ll {
		delete(ll.owner.held, ll.key)
	}
	return nil
}

// Redis is a Locker backed by redislock.
type Redis struct {
	client *redislock.Client
}

// NewRedis wraps a redis client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{client: redislock.New(rdb)}
}

// Obtain takes key in redis for ttl. A key held elsewhere yields
// ErrNotObtained without retrying.
func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l, err := r.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisLease{l: l}, nil
}

type redisLease struct {
	l *redislock.Lock
}

func (r redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := r.l.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotObtained
	}
	return err
}

func (r redisLease) Release(ctx context.Context) error { return r.l.Release(ctx) }

// KeepAlive refreshes lease to ttl every third of ttl until the returned
// stop is called. The first failed refresh is passed to onLost and ends
// the refreshing.
func KeepAlive(lease Lease, ttl time.Duration, c clock.Clock, onLost func(error)) (stop func()) {
	k := &keeper{lease: lease, ttl: ttl, clock: c, onLost: onLost}
	k.schedule()
	return k.stop
}

type keeper struct {
	lease  Lease
	ttl    time.Duration
	clock  clock.Clock
	onLost func(error)

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func (k *keeper) schedule() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.timer = k.clock.AfterFunc(k.ttl/3, k.refresh)
}

func (k *keeper) refresh() {
	k.mu.Lock()
	stopped := k.stopped
	k.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.ttl/3)
	err := k.lease.Refresh(ctx, k.ttl)
	cancel()
	if err != nil {
		if k.onLost != nil {
			k.onLost(err)
		}
		return
	}
	k.schedule()
}

func (k *keeper) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
	}
}
