// Package lease guards the persisted queue against a second scheduler
// process. The daemon holds a Redis lease while its loop runs; renew and
// release only succeed for the owner.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld reports that the lease expired or was taken by another owner.
// It is terminal: the holder must stop, not retry.
var ErrNotHeld = errors.New("lease no longer held")

// Lease is a single-holder lock with a TTL.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// New builds a lease. Owner should be unique per process (hostname+pid).
func New(client *redis.Client, key, owner string, ttl time.Duration) *Lease {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire takes the lease if free. Returns false when another process holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew extends the TTL, failing if the lease is gone or owned elsewhere.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.(int64); n != 1 {
		return fmt.Errorf("renew lease for %s: %w", l.owner, ErrNotHeld)
	}
	return nil
}

// TTL reports the lease duration set on acquire and renew.
func (l *Lease) TTL() time.Duration {
	return l.ttl
}

// Release drops the lease if still owned; losing it earlier is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder reports the current owner, empty when free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease: %w", err)
	}
	return v, nil
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
