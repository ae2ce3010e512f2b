package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/model"
)

func TestRenderAllTemplates(t *testing.T) {
	r, err := NewTemplateRenderer()
	require.NoError(t, err)

	payload := map[string]any{
		"first_name":        "Somchai",
		"registration_code": "YEC-7K2M",
		"notes":             "Slip is blurry",
		"resubmit_url":      "https://yec.example/resubmit?token=abc",
		"expires_at":        "2026-03-01",
		"badge_url":         "https://yec.example/files/badge.png",
		"reason":            "Duplicate registration",
	}

	for _, name := range model.EmailTemplates {
		t.Run(string(name), func(t *testing.T) {
			out, err := r.Render(name, payload)
			require.NoError(t, err)
			assert.NotEmpty(t, out.Subject)
			assert.Contains(t, out.HTML, "Somchai")
			assert.Contains(t, out.HTML, "YEC-7K2M")
		})
	}
}

func TestRenderEscapesAndFailsOnMissingKeys(t *testing.T) {
	r, err := NewTemplateRenderer()
	require.NoError(t, err)

	out, err := r.Render(model.EmailTemplateRejection, map[string]any{
		"first_name":        "<script>alert(1)</script>",
		"registration_code": "YEC-1",
		"reason":            "no",
	})
	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "<script>")
	assert.Equal(t, "YEC Day: update on registration YEC-1", out.Subject)

	_, err = r.Render(model.EmailTemplateApprovalBadge, map[string]any{"first_name": "A", "registration_code": "B"})
	assert.Error(t, err, "badge_url is required")

	_, err = r.Render(model.EmailTemplate("newsletter"), nil)
	assert.Error(t, err)
}

func TestWithSubjectPrefix(t *testing.T) {
	assert.Equal(t, "[TEST] Hello", WithSubjectPrefix("Hello", "[TEST] "))
	assert.Equal(t, "[TEST] Hello", WithSubjectPrefix("[TEST] Hello", "[TEST] "))
	assert.Equal(t, "Hello", WithSubjectPrefix("Hello", ""))
}

func TestResendProvider(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		delay         time.Duration
		wantID        string
		wantRateLimit bool
		wantTemporary bool
		wantErr       bool
	}{
		{name: "ok", status: 200, body: `{"id":"msg_123"}`, wantID: "msg_123"},
		{name: "rate limited", status: 429, body: `{"statusCode":429,"name":"rate_limit_exceeded","message":"Too many requests"}`, wantRateLimit: true, wantErr: true},
		{name: "server error", status: 502, body: `bad gateway`, wantTemporary: true, wantErr: true},
		{name: "validation error", status: 422, body: `{"statusCode":422,"name":"validation_error","message":"Invalid to"}`, wantErr: true},
		{name: "no id", status: 200, body: `{}`, wantErr: true},
		{name: "timeout", status: 200, body: `{"id":"late"}`, delay: 200 * time.Millisecond, wantTemporary: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got resendRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/emails", r.URL.Path)
				assert.Equal(t, "Bearer re_key", r.Header.Get("Authorization"))
				assert.Equal(t, "row-1", r.Header.Get("Idempotency-Key"))
				body, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(body, &got)

				if tt.delay > 0 {
					time.Sleep(tt.delay)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewResendProvider(srv.URL, "re_key", "YEC <noreply@yec.example>", 50*time.Millisecond)
			res, err := p.Send(context.Background(), Message{
				To:             "a@example.com",
				Subject:        "Hi",
				HTML:           "<p>Hi</p>",
				IdempotencyKey: "row-1",
			})

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, res.MessageID)
				assert.Equal(t, []string{"a@example.com"}, got.To)
				assert.Equal(t, "YEC <noreply@yec.example>", got.From)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantRateLimit, errors.Is(err, ErrRateLimited))
			assert.Equal(t, tt.wantTemporary, IsTemporary(err))
		})
	}
}

func TestLogProvider(t *testing.T) {
	var buf strings.Builder
	p := NewLogProvider(slog.New(slog.NewTextHandler(&buf, nil)))

	res, err := p.Send(context.Background(), Message{To: "a@example.com", Subject: "Hello"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.MessageID, "log-"))
	assert.Contains(t, buf.String(), "a@example.com")
}
