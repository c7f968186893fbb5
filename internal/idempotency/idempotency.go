// Package idempotency защищает создание заказа от повторной отправки одного и того же запроса.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/checkout-settlement/internal/apperr"
)

const pendingMarker = "pending"

// Guard связывает ключ идемпотентности с созданным заказом.
type Guard interface {
	// Begin занимает ключ. Если по ключу уже создан заказ, возвращает его идентификатор.
	Begin(ctx context.Context, userID, key string) (string, error)
	// Complete связывает ключ с заказом.
	Complete(ctx context.Context, userID, key, orderID string) error
	// Abort освобождает ключ после неудачного оформления.
	Abort(ctx context.Context, userID, key string) error
}

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard хранит ключи в Redis с ограниченным временем жизни.
type RedisGuard struct {
	rdb redisClient
	ttl time.Duration
}

// NewRedisGuard создаёт Guard поверх клиента Redis.
func NewRedisGuard(rdb redisClient, ttl time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func redisKey(userID, key string) string {
	return fmt.Sprintf("idem:orders:%s:%s", userID, key)
}

// Begin занимает ключ идемпотентности. Возвращает идентификатор заказа, если запрос с этим
// ключом уже завершён, и apperr.ErrCheckoutInProgress, если он ещё выполняется.
func (g *RedisGuard) Begin(ctx context.Context, userID, key string) (string, error) {
	k := redisKey(userID, key)

	ok, err := g.rdb.SetNX(ctx, k, pendingMarker, g.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return "", nil
	}

	v, err := g.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return g.Begin(ctx, userID, key)
		}
		return "", fmt.Errorf("read idempotency key: %w", err)
	}
	if v == pendingMarker {
		return "", apperr.ErrCheckoutInProgress
	}
	return v, nil
}

// Complete связывает ключ с созданным заказом.
func (g *RedisGuard) Complete(ctx context.Context, userID, key, orderID string) error {
	if err := g.rdb.Set(ctx, redisKey(userID, key), orderID, g.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// Abort освобождает ключ после неудачного оформления, чтобы запрос можно было повторить.
func (g *RedisGuard) Abort(ctx context.Context, userID, key string) error {
	if err := g.rdb.Del(ctx, redisKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Nop не хранит ключи; каждый запрос обрабатывается как новый.
type Nop struct{}

// Begin всегда разрешает новый запрос.
func (Nop) Begin(context.Context, string, string) (string, error) { return "", nil }

// Complete ничего не сохраняет.
func (Nop) Complete(context.Context, string, string, string) error { return nil }

// Abort ничего не делает.
func (Nop) Abort(context.Context, string, string) error { return nil }
