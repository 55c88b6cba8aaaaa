package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/ratelimit"
)

// AdminChecker решает, является ли пользователь администратором.
type AdminChecker interface {
	IsAdmin(userID int64) bool
}

// RequireAdmin пропускает только администраторов. Должен стоять после AuthMiddleware.
func RequireAdmin(admins AdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if !admins.IsAdmin(userID) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allower учитывает попытку пользователя и возвращает ошибку при превышении лимита.
type Allower interface {
	Allow(ctx context.Context, userID int64) error
}

// RateLimit ограничивает частоту запросов пользователя: при ratelimit.ErrLimited отвечает 429.
// Прочие ошибки ограничителя не блокируют запрос.
func RateLimit(l Allower, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok || l == nil {
				next.ServeHTTP(w, r)
				return
			}

			if err := l.Allow(r.Context(), userID); err != nil {
				if errors.Is(err, ratelimit.ErrLimited) {
					logger.Info("rate limited", zap.Int64("user_id", userID), zap.String("uri", r.RequestURI))
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				logger.Warn("rate limiter error", zap.Error(err))
			}
			next.ServeHTTP(w, r)
		})
	}
}
