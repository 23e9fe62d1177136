package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrLockHeld = errors.New("lock is held by another request")

// UnlockScript deletes the key only when it still holds our value, so an
// expired lock taken over by another request is never released by us.
const UnlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// DistributedLock is a single-holder Redis lock (SET NX EX).
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewWithdrawLock serializes money-moving requests per user.
func NewWithdrawLock(client *redis.Client, userID, requestID string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, WithdrawKey(userID), requestID, ttl)
}

func WithdrawKey(userID string) string {
	return fmt.Sprintf("lock:withdraw:user:%s", userID)
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock attempts to take the lock without waiting.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Acquire is TryLock that reports a held lock as ErrLockHeld.
func (l *DistributedLock) Acquire(ctx context.Context) error {
	ok, err := l.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Lock retries TryLock until it succeeds, ctx is done or retries run out.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockHeld
}

// Unlock releases the lock if we still own it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, UnlockScript, []string{l.key}, l.value).Err()
}
