package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yecday/registration/internal/config"
)

// ErrRateLimited is returned when the provider asks us to slow down.
var ErrRateLimited = errors.New("mailer: rate limited by provider")

// ProviderError is any other provider failure. Temporary failures (timeouts,
// 5xx, network) are worth retrying; the rest are not.
type ProviderError struct {
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mailer: provider returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mailer: provider request failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a retryable provider failure.
func IsTemporary(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Temporary
}

type Message struct {
	To      string
	Subject string
	HTML    string
	// IdempotencyKey is forwarded to providers that deduplicate on it.
	IdempotencyKey string
}

type Result struct {
	MessageID string
}

type Provider interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.EmailConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "resend":
		return NewResendProvider(cfg.APIBaseURL, cfg.APIKey, cfg.From, cfg.ProviderTimeout), nil
	case "log", "":
		return NewLogProvider(logger), nil
	default:
		return nil, fmt.Errorf("mailer: unknown provider %q", cfg.Provider)
	}
}
