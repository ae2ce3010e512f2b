package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yecday/registration/internal/config"
)

// Alerter delivers short operational messages to the admin team.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, string) error { return nil }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramNotifier posts alerts to a Telegram chat through the Bot API.
type TelegramNotifier struct {
	client *resty.Client
	token  string
	chatID string
}

func NewTelegramNotifier(apiURL, token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		client: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")).
			SetTimeout(5 * time.Second),
		token:  token,
		chatID: chatID,
	}
}

// NewAlerter returns a Telegram alerter when a bot is configured.
func NewAlerter(cfg config.TelegramConfig) Alerter {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return NopAlerter{}
	}
	return NewTelegramNotifier(cfg.APIURL, cfg.BotToken, cfg.ChatID)
}

func (t *TelegramNotifier) Alert(ctx context.Context, text string) error {
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":                  t.chatID,
			"text":                     text,
			"disable_web_page_preview": true,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram: sendMessage returned %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// MemoryAlerter collects alerts for tests.
type MemoryAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (m *MemoryAlerter) Alert(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, text)
	return nil
}

func (m *MemoryAlerter) Alerts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.alerts...)
}
