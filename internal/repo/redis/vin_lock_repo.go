package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const vinLockPrefix = "carfax:vinlock:"

var ErrLockNotAcquired = fmt.Errorf("vin lock not acquired")

// VinLockRepo serializes link resolution per VIN across service instances.
// The lock is a plain SET NX with a TTL; a holder that dies releases it by
// expiry. Acquire polls until the wait bound runs out.
type VinLockRepo struct {
	client   *goredis.Client
	ttl      time.Duration
	maxWait  time.Duration
	pollStep time.Duration
}

func NewVinLockRepo(client *goredis.Client, ttl, maxWait time.Duration) *VinLockRepo {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	return &VinLockRepo{
		client:   client,
		ttl:      ttl,
		maxWait:  maxWait,
		pollStep: 100 * time.Millisecond,
	}
}

func (r *VinLockRepo) Acquire(ctx context.Context, vin string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key, err := lockKey(vin)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(r.maxWait)
	for {
		ok, err := r.client.SetNX(ctx, key, "1", r.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire vin lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollStep):
		}
	}
}

func (r *VinLockRepo) Release(ctx context.Context, vin string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key, err := lockKey(vin)
	if err != nil {
		return err
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release vin lock: %w", err)
	}
	return nil
}

func lockKey(vin string) (string, error) {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	if vin == "" {
		return "", fmt.Errorf("vin is required")
	}
	return vinLockPrefix + vin, nil
}
