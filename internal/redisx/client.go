package redisx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
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

// Deduper remembers processed webhook deliveries. It is a fast path only;
// the store stays authoritative.
type Deduper struct {
	R       *redis.Client
	Service string
}

func (d *Deduper) key(id string) string { return fmt.Sprintf(KeyDedup, d.Service, id) }

func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.R, d.key(id))
}

func (d *Deduper) Mark(ctx context.Context, id string) error {
	return d.R.Set(ctx, d.key(id), time.Now().UTC().Format(time.RFC3339), TTLDedup).Err()
}

func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.R.Del(ctx, d.key(id)).Err()
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out best-effort mutual exclusion between replicas.
type Locker struct {
	R       *redis.Client
	Service string
}

// TryLock returns ok=false when another holder owns name. The returned
// unlock only deletes the key while this caller still owns it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error) {
	key := fmt.Sprintf(KeyLock, l.Service, name)
	token := uuid.NewString()
	ok, err = l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.R, []string{key}, token).Err()
	}, true, nil
}

// StatusCache keeps the order status view served by GET /orders/{id}.
// Every invalidation bumps a per-order generation; a view read under an
// older generation is never written back.
type StatusCache struct {
	R *redis.Client
}

var setIfGenScript = redis.NewScript(`
local g = redis.call("GET", KEYS[2])
if not g then g = "0" end
if g == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

func (c *StatusCache) Get(ctx context.Context, orderID string) ([]byte, bool) {
	b, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

// Generation must be read before the store, and passed to Set.
func (c *StatusCache) Generation(ctx context.Context, orderID string) (int64, error) {
	n, err := c.R.Get(ctx, fmt.Sprintf(KeyOrderStatusGen, orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Set stores b unless the order was invalidated since gen was read. It
// reports whether the view was written.
func (c *StatusCache) Set(ctx context.Context, orderID string, gen int64, b []byte) (bool, error) {
	keys := []string{fmt.Sprintf(KeyOrderStatus, orderID), fmt.Sprintf(KeyOrderStatusGen, orderID)}
	n, err := setIfGenScript.Run(ctx, c.R, keys, strconv.FormatInt(gen, 10), b, TTLStatusCache.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	genKey := fmt.Sprintf(KeyOrderStatusGen, orderID)
	_, err := c.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, TTLStatusGen)
		pipe.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID))
		return nil
	})
	return err
}
