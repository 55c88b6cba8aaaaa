// Package middleware содержит HTTP middleware ядра баланса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/megabot-ledger/internal/model"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	profileKey contextKey = "profile"
)

var (
	errNoHash      = errors.New("init data has no hash")
	errBadHash     = errors.New("init data hash mismatch")
	errExpired     = errors.New("init data is expired")
	errNoUser      = errors.New("init data has no user")
	errMalformed   = errors.New("init data is malformed")
	errMissingAuth = errors.New("authorization header is missing")
)

// UserToucher регистрирует пользователя при первом обращении.
type UserToucher interface {
	TouchUser(ctx context.Context, p model.Profile) error
}

// AuthMiddleware проверяет подпись initData Telegram WebApp из заголовка Authorization.
type AuthMiddleware struct {
	secretKey []byte
	maxAge    time.Duration
	users     UserToucher
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthMiddleware создаёт middleware для бота с токеном botToken.
// Если токен пуст, используется случайный ключ и ни один запрос не пройдёт проверку.
// maxAge <= 0 отключает проверку давности auth_date.
func NewAuthMiddleware(botToken string, maxAge time.Duration, users UserToucher, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}

	token := []byte(botToken)
	if len(token) == 0 {
		token = make([]byte, 32)
		if _, err := rand.Read(token); err != nil {
			token = []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
		}
	}

	return &AuthMiddleware{
		secretKey: webAppSecret(token),
		maxAge:    maxAge,
		users:     users,
		logger:    logger,
		now:       time.Now,
	}
}

func webAppSecret(botToken []byte) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write(botToken)
	return mac.Sum(nil)
}

// Middleware проверяет initData, регистрирует пользователя и добавляет его идентификатор в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profile, err := a.Validate(initDataFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			a.logger.Debug("telegram auth rejected", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if a.users != nil {
			if err := a.users.TouchUser(r.Context(), profile); err != nil {
				a.logger.Error("failed to register user", zap.Int64("user_id", profile.UserID), zap.Error(err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}

		ctx := context.WithValue(r.Context(), userIDKey, profile.UserID)
		ctx = context.WithValue(ctx, profileKey, profile)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func initDataFromHeader(header string) string {
	header = strings.TrimSpace(header)
	for _, prefix := range []string{"Bearer ", "tma "} {
		if strings.HasPrefix(header, prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
	}
	return header
}

type webAppUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

// Validate проверяет подпись initData и возвращает профиль пользователя.
func (a *AuthMiddleware) Validate(initData string) (model.Profile, error) {
	if initData == "" {
		return model.Profile{}, errMissingAuth
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return model.Profile{}, errMalformed
	}

	received := values.Get("hash")
	if received == "" {
		return model.Profile{}, errNoHash
	}

	expected := sign(a.secretKey, values)
	if !hmac.Equal([]byte(received), []byte(expected)) {
		return model.Profile{}, errBadHash
	}

	if a.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return model.Profile{}, errMalformed
		}
		if a.now().Sub(time.Unix(authDate, 0)) > a.maxAge {
			return model.Profile{}, errExpired
		}
	}

	var u webAppUser
	if err := json.Unmarshal([]byte(values.Get("user")), &u); err != nil {
		return model.Profile{}, errMalformed
	}
	if u.ID == 0 {
		return model.Profile{}, errNoUser
	}

	return model.Profile{
		UserID:       u.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
	}, nil
}

// sign считает подпись по строке проверки: пары key=value без hash, отсортированные по ключу и разделённые \n.
func sign(secret []byte, values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignInitData подписывает values ключом бота и возвращает готовую строку initData.
// Используется в тестах и локальной разработке без клиента Telegram.
func SignInitData(botToken string, values url.Values) string {
	signed := url.Values{}
	for k, v := range values {
		signed[k] = v
	}
	signed.Del("hash")
	signed.Set("hash", sign(webAppSecret([]byte(botToken)), signed))
	return signed.Encode()
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// GetProfileFromContext извлекает профиль пользователя Telegram из контекста запроса.
func GetProfileFromContext(ctx context.Context) (model.Profile, bool) {
	p, ok := ctx.Value(profileKey).(model.Profile)
	return p, ok
}
