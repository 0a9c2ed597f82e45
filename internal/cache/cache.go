// cache — кэш состояния refresh-токенов в Redis. Источник истины остаётся
// в хранилище; кэш только ускоряет отказ по уже погашенным токенам.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RefreshEntry описывает данные, которые мы храним в Redis по хэшу refresh-токена.
type RefreshEntry struct {
	Subject   string
	ClientID  string
	Consumed  bool
	ExpiresAt time.Time
}

// RefreshCache — минимальный контракт кэша refresh-токенов.
type RefreshCache interface {
	// Get возвращает запись и признак её наличия в кэше.
	Get(ctx context.Context, hash string) (*RefreshEntry, bool, error)
	// Set сохраняет запись с TTL (обычно ExpiresAt-now).
	Set(ctx context.Context, hash string, e *RefreshEntry, ttl time.Duration) error
	// MarkConsumed помечает ключ consumed=1, сохраняя остаточный TTL.
	MarkConsumed(ctx context.Context, hash string) error
	// Close закрывает клиент Redis.
	Close() error
}

type redisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Если prefix пустой — используется "identity:rt:".
func NewRedisCache(ctx context.Context, redisURL, prefix string) (RefreshCache, error) {
	const op = "cache.NewRedisCache"

	if prefix == "" {
		prefix = "identity:rt:"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &redisCache{rdb: rdb, prefix: prefix}, nil
}

func (c *redisCache) key(hash string) string { return c.prefix + hash }

// Храним как Redis Hash с полями: sub, cid, used (0/1), exp (unix).
func (c *redisCache) Get(ctx context.Context, hash string) (*RefreshEntry, bool, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(hash)).Result()
	if err != nil {
		return nil, false, err
	}

	if len(m) == 0 {
		return nil, false, nil
	}

	e, err := decodeEntry(m)
	if err != nil {
		return nil, false, err
	}

	return e, true, nil
}

func (c *redisCache) Set(ctx context.Context, hash string, e *RefreshEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key(hash), encodeEntry(e))
	pipe.Expire(ctx, c.key(hash), ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// MarkConsumed не создаёт запись, если её нет: без sub/cid/exp она бесполезна.
func (c *redisCache) MarkConsumed(ctx context.Context, hash string) error {
	n, err := c.rdb.Exists(ctx, c.key(hash)).Result()
	if err != nil || n == 0 {
		return err
	}

	return c.rdb.HSet(ctx, c.key(hash), "used", "1").Err()
}

func (c *redisCache) Close() error { return c.rdb.Close() }

func encodeEntry(e *RefreshEntry) map[string]string {
	return map[string]string{
		"sub":  e.Subject,
		"cid":  e.ClientID,
		"used": boolTo01(e.Consumed),
		"exp":  strconv.FormatInt(e.ExpiresAt.Unix(), 10),
	}
}

func decodeEntry(m map[string]string) (*RefreshEntry, error) {
	expUnix, err := strconv.ParseInt(m["exp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache: bad exp: %w", err)
	}

	return &RefreshEntry{
		Subject:   m["sub"],
		ClientID:  m["cid"],
		Consumed:  m["used"] == "1",
		ExpiresAt: time.Unix(expUnix, 0).UTC(),
	}, nil
}

func boolTo01(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
