// Package ratelimit ограничивает частоту отправки платёжных заявок с помощью Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLimited возвращается, когда пользователь исчерпал лимит в текущем окне.
var ErrLimited = errors.New("rate limit exceeded")

// Connect создаёт клиента Redis по URL. Для пустого URL возвращает nil: ограничение отключено.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Limiter ограничивает частоту с фиксированным окном: INCR счётчика и EXPIRE NX (Redis 7+).
type Limiter struct {
	rdb    redis.Cmdable
	prefix string
	limit  int64
	window time.Duration
	logger *zap.Logger
}

// New создаёт ограничитель. При rdb == nil или limit <= 0 ограничение не применяется.
func New(rdb redis.Cmdable, prefix string, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		logger: logger,
	}
}

// Allow учитывает попытку пользователя и возвращает ErrLimited при превышении лимита.
// При недоступности Redis попытка разрешается.
func (l *Limiter) Allow(ctx context.Context, userID int64) error {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return nil
	}

	key := "ratelimit:" + l.prefix + ":" + strconv.FormatInt(userID, 10)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	// NX: окно не сдвигается, но TTL восстанавливается, если прошлый EXPIRE не прошёл.
	if err := l.rdb.ExpireNX(ctx, key, l.window).Err(); err != nil {
		l.logger.Warn("rate limiter expire failed", zap.Error(err))
	}

	if count > l.limit {
		return ErrLimited
	}
	return nil
}
