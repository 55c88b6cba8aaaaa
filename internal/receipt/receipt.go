// Package receipt получает ссылки на файлы чеков, загруженных пользователями через Telegram.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNotConfigured возвращается, если токен бота не задан и чек хранится как file_id.
var ErrNotConfigured = errors.New("telegram bot is not configured")

// Resolver преобразует ссылку на чек (file_id Telegram или URL) в прямую ссылку для просмотра.
type Resolver struct {
	bot *tgbotapi.BotAPI
}

// NewResolver создаёт резолвер для бота с токеном token.
// Пустой endpoint означает стандартный Bot API. Запрос getMe при создании не выполняется.
func NewResolver(token, endpoint string) *Resolver {
	if token == "" {
		return &Resolver{}
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot := &tgbotapi.BotAPI{
		Token:  token,
		Buffer: 100,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
	bot.SetAPIEndpoint(endpoint)

	return &Resolver{bot: bot}
}

// Resolve возвращает прямую ссылку на файл чека.
// Значения, уже являющиеся http(s)-ссылками, возвращаются без изменений.
func (r *Resolver) Resolve(ctx context.Context, evidence string) (string, error) {
	evidence = strings.TrimSpace(evidence)
	if strings.HasPrefix(evidence, "http://") || strings.HasPrefix(evidence, "https://") {
		return evidence, nil
	}
	if r == nil || r.bot == nil {
		return "", ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	url, err := r.bot.GetFileDirectURL(evidence)
	if err != nil {
		return "", fmt.Errorf("get file url: %w", err)
	}
	return url, nil
}
