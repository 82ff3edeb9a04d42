package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github/chapool/go-rebalancer/internal/config"
)

const telegramTimeout = 10 * time.Second

// Telegram delivers notifications through the Telegram Bot API.
type Telegram struct {
	baseURL  string
	botToken string
	chatID   string
	http     *http.Client
}

// NewTelegram creates a Telegram notifier from configuration.
func NewTelegram(cfg config.Telegram) *Telegram {
	return &Telegram{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		http:     &http.Client{Timeout: telegramTimeout},
	}
}

// SendInfo posts the text to the configured chat.
func (t *Telegram) SendInfo(ctx context.Context, text string) {
	t.send(ctx, text)
}

// SendError posts the text to the configured chat with an error marker.
func (t *Telegram) SendError(ctx context.Context, text string) {
	t.send(ctx, "⚠️ "+text)
}

func (t *Telegram) send(ctx context.Context, text string) {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		log.Error().Err(err).Msg("TelegramNotifier: failed to encode message")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Msg("TelegramNotifier: failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("TelegramNotifier: delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Msg("TelegramNotifier: delivery rejected")
	}
}
