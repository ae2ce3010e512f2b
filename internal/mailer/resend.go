package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// ResendProvider sends through the Resend HTTP API.
type ResendProvider struct {
	client *resty.Client
	from   string
}

func NewResendProvider(baseURL, apiKey, from string, timeout time.Duration) *ResendProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "yecday-registration/1.0").
		SetTimeout(timeout)

	return &ResendProvider{
		client: client,
		from:   from,
	}
}

func (p *ResendProvider) Send(ctx context.Context, msg Message) (Result, error) {
	req := p.client.R().
		SetContext(ctx).
		SetBody(resendRequest{
			From:    p.from,
			To:      []string{msg.To},
			Subject: msg.Subject,
			HTML:    msg.HTML,
		}).
		SetResult(&resendResponse{}).
		SetError(&resendError{})
	if msg.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := req.Post("/emails")
	if err != nil {
		// Transport errors, including the client timeout and a cancelled context.
		return Result{}, &ProviderError{Temporary: true, Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("%w: %s", ErrRateLimited, errorMessage(resp))
	case status >= 500:
		return Result{}, &ProviderError{StatusCode: status, Temporary: true, Err: errors.New(errorMessage(resp))}
	case status >= 300:
		return Result{}, &ProviderError{StatusCode: status, Err: errors.New(errorMessage(resp))}
	}

	out, _ := resp.Result().(*resendResponse)
	if out == nil || out.ID == "" {
		return Result{}, &ProviderError{StatusCode: status, Err: errors.New("response carried no message id")}
	}
	return Result{MessageID: out.ID}, nil
}

func errorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*resendError); ok && e != nil && e.Message != "" {
		return e.Message
	}
	body := resp.String()
	if len(body) > 512 {
		body = body[:512]
	}
	if body == "" {
		return http.StatusText(resp.StatusCode())
	}
	return body
}
