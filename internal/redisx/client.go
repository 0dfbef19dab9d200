package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Deduper stores processed event ids with a TTL long enough to outlive broker redelivery.
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client) *Deduper {
	return &Deduper{rdb: rdb, ttl: TTLDedup}
}

func (d *Deduper) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, fmt.Sprintf(KeyDedup, consumer, eventID))
}

func (d *Deduper) Mark(ctx context.Context, consumer, eventID string) error {
	return d.rdb.Set(ctx, fmt.Sprintf(KeyDedup, consumer, eventID), "1", d.ttl).Err()
}

// Idempotency maps a client's Idempotency-Key to the order it created. A key is claimed
// with a short-lived pending marker before the order exists, so concurrent retries of the
// same request cannot both create one.
type Idempotency struct {
	rdb      *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

func NewIdempotency(rdb *redis.Client) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency, claimTTL: TTLIdempotencyClaim}
}

// Claim takes key for the caller. When someone else holds it, orderID is the order it
// created, or empty while that request is still running.
func (i *Idempotency) Claim(ctx context.Context, key string) (orderID string, claimed bool, err error) {
	k := fmt.Sprintf(KeyIdemOrderCreate, key)
	ok, err := i.rdb.SetNX(ctx, k, idemPending, i.claimTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	id, err := i.rdb.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil), id == idemPending:
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return id, false, nil
}

func (i *Idempotency) Remember(ctx context.Context, key, orderID string) error {
	return i.rdb.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, key), orderID, i.ttl).Err()
}

// Forget releases a claim whose request failed, so the client may retry with the same key.
func (i *Idempotency) Forget(ctx context.Context, key string) error {
	return i.rdb.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, key)).Err()
}
