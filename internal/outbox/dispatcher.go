package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/mailer"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/ratelimit"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	maxBackoff         = time.Hour
	sendBudgetKey      = "outbox:send"
)

// Store is the part of the repository the dispatcher needs.
type Store interface {
	// ClaimDueEmails must move rows to processing atomically so concurrent
	// dispatchers never receive the same row.
	ClaimDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error)
	ListDueEmails(ctx context.Context, now time.Time, limit int) ([]model.EmailOutboxEntry, error)
	UpdateEmail(ctx context.Context, id uuid.UUID, params repository.UpdateEmailParams) error
	RenewEmailClaim(ctx context.Context, id, claim uuid.UUID, now time.Time) error
	HasSentEmailWithKey(ctx context.Context, key string, excludeID uuid.UUID) (bool, error)
	CountDueEmails(ctx context.Context, now time.Time) (int, error)
	CountEmailsByStatus(ctx context.Context) (map[model.OutboxStatus]int, error)
	ReleaseStaleEmails(ctx context.Context, claimedBefore time.Time) (int, error)
}

type Config struct {
	Allowlist        []string
	EnforceAllowlist bool
	// RunCap limits provider attempts per Dispatch call. Zero means no cap.
	RunCap          int
	SubjectPrefix   string
	BatchSize       int
	MaxAttempts     int
	InitialBackoff  time.Duration
	ProviderTimeout time.Duration
}

func ConfigFromEmail(cfg config.EmailConfig) Config {
	return Config{
		Allowlist:        cfg.Allowlist,
		EnforceAllowlist: cfg.EnforceAllowlist,
		RunCap:           cfg.RunCap,
		SubjectPrefix:    cfg.SubjectPrefix,
		BatchSize:        cfg.BatchSize,
		MaxAttempts:      cfg.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoff,
		ProviderTimeout:  cfg.ProviderTimeout,
	}
}

type DispatchParams struct {
	BatchSize int
	DryRun    bool
}

type Result struct {
	Sent        int  `json:"sent"`
	WouldSend   int  `json:"would_send"`
	Capped      int  `json:"capped"`
	Blocked     int  `json:"blocked"`
	Skipped     int  `json:"skipped"`
	Errors      int  `json:"errors"`
	RateLimited int  `json:"rate_limited"`
	Retries     int  `json:"retries"`
	Remaining   int  `json:"remaining"`
	DryRun      bool `json:"dry_run"`
}

type Dispatcher struct {
	logger   *slog.Logger
	store    Store
	provider mailer.Provider
	renderer mailer.Renderer
	limiter  ratelimit.Limiter
	cfg      Config
	now      func() time.Time

	allowlist map[string]struct{}
	domains   []string
	emails    metric.Int64Counter
}

func NewDispatcher(
	logger *slog.Logger,
	store Store,
	provider mailer.Provider,
	renderer mailer.Renderer,
	limiter ratelimit.Limiter,
	cfg Config,
	clock func() time.Time,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if clock == nil {
		clock = time.Now
	}

	d := &Dispatcher{
		logger:    logger,
		store:     store,
		provider:  provider,
		renderer:  renderer,
		limiter:   limiter,
		cfg:       cfg,
		now:       clock,
		allowlist: make(map[string]struct{}),
	}
	for _, entry := range cfg.Allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
		case strings.HasPrefix(entry, "@"):
			d.domains = append(d.domains, entry)
		default:
			d.allowlist[entry] = struct{}{}
		}
	}

	emails, err := otel.Meter("github.com/yecday/registration/internal/outbox").Int64Counter(
		"outbox.dispatch.emails",
		metric.WithDescription("Outbox rows handled by dispatch, by result"),
	)
	if err != nil {
		logger.Warn("Failed to create outbox.dispatch.emails counter", "error", err)
	}
	d.emails = emails
	return d
}

// Allowed reports whether mail may go to addr. Entries starting with @ allow a whole domain.
func (d *Dispatcher) Allowed(addr string) bool {
	if !d.cfg.EnforceAllowlist {
		return true
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if _, ok := d.allowlist[addr]; ok {
		return true
	}
	for _, domain := range d.domains {
		if strings.HasSuffix(addr, domain) {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry number attempts.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

type outcome string

const (
	outcomeSent        outcome = "sent"
	outcomeWouldSend   outcome = "would_send"
	outcomeCapped      outcome = "capped"
	outcomeBlocked     outcome = "blocked"
	outcomeSkipped     outcome = "skipped"
	outcomeFailed      outcome = "failed"
	outcomeRateLimited outcome = "rate_limited"
	outcomeRetry       outcome = "retry"
	outcomeClaimLost   outcome = "claim_lost"
)

// run is the state of one Dispatch call.
type run struct {
	now       time.Time
	dryRun    bool
	attempted int
	result    Result
}

func (r *run) capReached(limit int) bool {
	return limit > 0 && r.attempted >= limit
}

// Dispatch drains up to BatchSize due rows. Row failures are recorded on the
// row and counted; only failing to read the outbox fails the call. Once rows
// are claimed the batch runs to completion even if ctx is cancelled, so no
// row is left in processing by a cancelled caller.
func (d *Dispatcher) Dispatch(ctx context.Context, params DispatchParams) (Result, error) {
	batch := params.BatchSize
	if batch <= 0 {
		batch = d.cfg.BatchSize
	}
	r := &run{now: d.now(), dryRun: params.DryRun}
	r.result.DryRun = params.DryRun

	var (
		rows []model.EmailOutboxEntry
		err  error
	)
	if params.DryRun {
		rows, err = d.store.ListDueEmails(ctx, r.now, batch)
	} else {
		rows, err = d.store.ClaimDueEmails(ctx, r.now, batch)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to load due emails: %w", err)
	}

	work := context.WithoutCancel(ctx)
	for _, row := range rows {
		o := d.process(work, r, row)
		d.count(work, o)
	}

	remaining, err := d.store.CountDueEmails(work, d.now())
	if err != nil {
		return r.result, fmt.Errorf("failed to count remaining emails: %w", err)
	}
	r.result.Remaining = remaining

	d.logger.InfoContext(ctx, "Email dispatch finished",
		"dry_run", r.result.DryRun,
		"claimed", len(rows),
		"sent", r.result.Sent,
		"would_send", r.result.WouldSend,
		"capped", r.result.Capped,
		"blocked", r.result.Blocked,
		"skipped", r.result.Skipped,
		"errors", r.result.Errors,
		"rate_limited", r.result.RateLimited,
		"remaining", r.result.Remaining)
	return r.result, nil
}

func (d *Dispatcher) process(ctx context.Context, r *run, row model.EmailOutboxEntry) outcome {
	logger := d.logger.With("email_id", row.ID, "template", row.Template)

	if !d.Allowed(row.ToEmail) {
		r.result.Blocked++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:    util.Some(model.OutboxStatusBlocked),
			LastError: util.Some("recipient not in allowlist"),
		})
		logger.InfoContext(ctx, "Email blocked by allowlist", "to", row.ToEmail)
		return outcomeBlocked
	}

	if row.IdempotencyKey != nil {
		sent, err := d.store.HasSentEmailWithKey(ctx, *row.IdempotencyKey, row.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to check idempotency key", "error", err)
			r.result.Errors++
			d.release(ctx, r, row)
			return outcomeFailed
		}
		if sent {
			r.result.Skipped++
			d.finish(ctx, r, row, repository.UpdateEmailParams{Status: util.Some(model.OutboxStatusSkipped)})
			logger.InfoContext(ctx, "Email already sent under the same idempotency key", "idempotency_key", *row.IdempotencyKey)
			return outcomeSkipped
		}
	}

	if r.capReached(d.cfg.RunCap) {
		r.result.Capped++
		d.finish(ctx, r, row, repository.UpdateEmailParams{Status: util.Some(model.OutboxStatusCapped)})
		return outcomeCapped
	}

	payload, err := row.PayloadMap()
	var rendered mailer.Rendered
	if err == nil {
		rendered, err = d.renderer.Render(row.Template, payload)
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to render email", "error", err)
		r.result.Errors++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:    util.Some(model.OutboxStatusFailed),
			LastError: util.Some(err.Error()),
		})
		return outcomeFailed
	}
	msg := mailer.Message{
		To:      row.ToEmail,
		Subject: mailer.WithSubjectPrefix(rendered.Subject, d.cfg.SubjectPrefix),
		HTML:    rendered.HTML,
	}
	if row.IdempotencyKey != nil {
		msg.IdempotencyKey = *row.IdempotencyKey
	}

	if r.dryRun {
		r.attempted++
		r.result.WouldSend++
		return outcomeWouldSend
	}

	allowed, err := d.limiter.Allow(ctx, sendBudgetKey)
	if err != nil {
		logger.WarnContext(ctx, "Send budget unavailable, sending anyway", "error", err)
		allowed = true
	}
	if !allowed {
		r.result.RateLimited++
		r.result.Retries++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:        util.Some(model.OutboxStatusPending),
			NextAttemptAt: util.Some(r.now.Add(d.cfg.InitialBackoff)),
			LastError:     util.Some("send budget exhausted"),
		})
		return outcomeRateLimited
	}

	// The reaper may have handed the row to another run while earlier rows
	// were sending. Only the current claim holder may call the provider.
	if err := d.store.RenewEmailClaim(ctx, row.ID, claimOf(row), d.now()); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			logger.WarnContext(ctx, "Outbox claim lost before send, leaving row to its new owner")
			return outcomeClaimLost
		}
		logger.ErrorContext(ctx, "Failed to renew outbox claim", "error", err)
		r.result.Errors++
		d.release(ctx, r, row)
		return outcomeFailed
	}

	r.attempted++
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	res, err := d.provider.Send(sendCtx, msg)
	cancel()

	if err == nil {
		r.result.Sent++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:            util.Some(model.OutboxStatusSent),
			Attempts:          util.Some(row.Attempts + 1),
			SentAt:            util.Some(d.now()),
			ProviderMessageID: util.Some(res.MessageID),
		})
		logger.InfoContext(ctx, "Email sent", "message_id", res.MessageID)
		return outcomeSent
	}

	rateLimited := errors.Is(err, mailer.ErrRateLimited)
	temporary := rateLimited || mailer.IsTemporary(err) || errors.Is(err, context.DeadlineExceeded)
	if rateLimited {
		r.result.RateLimited++
	}
	if !temporary {
		r.result.Errors++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:    util.Some(model.OutboxStatusFailed),
			Attempts:  util.Some(row.Attempts + 1),
			LastError: util.Some(err.Error()),
		})
		logger.WarnContext(ctx, "Email failed permanently", "error", err)
		return outcomeFailed
	}

	return d.retry(ctx, r, row, err, rateLimited)
}

func (d *Dispatcher) retry(ctx context.Context, r *run, row model.EmailOutboxEntry, cause error, rateLimited bool) outcome {
	attempts := row.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		r.result.Errors++
		d.finish(ctx, r, row, repository.UpdateEmailParams{
			Status:    util.Some(model.OutboxStatusFailed),
			Attempts:  util.Some(attempts),
			LastError: util.Some(fmt.Sprintf("giving up after %d attempts: %v", attempts, cause)),
		})
		d.logger.WarnContext(ctx, "Email failed after retries",
			"email_id", row.ID,
			"attempts", attempts,
			"error", cause)
		return outcomeFailed
	}

	next := r.now.Add(d.Backoff(attempts))
	r.result.Retries++
	d.finish(ctx, r, row, repository.UpdateEmailParams{
		Status:        util.Some(model.OutboxStatusPending),
		Attempts:      util.Some(attempts),
		NextAttemptAt: util.Some(next),
		LastError:     util.Some(cause.Error()),
	})
	d.logger.InfoContext(ctx, "Scheduling email retry",
		"email_id", row.ID,
		"attempts", attempts,
		"rate_limited", rateLimited,
		"next_attempt", next.Format(time.RFC3339))
	if rateLimited {
		return outcomeRateLimited
	}
	return outcomeRetry
}

func claimOf(row model.EmailOutboxEntry) uuid.UUID {
	if row.ClaimID == nil {
		return uuid.Nil
	}
	return *row.ClaimID
}

// finish writes the row's new state under the run's claim. Dry runs never write.
func (d *Dispatcher) finish(ctx context.Context, r *run, row model.EmailOutboxEntry, params repository.UpdateEmailParams) {
	if r.dryRun {
		return
	}
	params.Claim = util.Some(claimOf(row))
	if err := d.store.UpdateEmail(ctx, row.ID, params); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			d.logger.WarnContext(ctx, "Outbox claim lost, row state left to its new owner", "email_id", row.ID)
			return
		}
		r.result.Errors++
		d.logger.ErrorContext(ctx, "Failed to update outbox row", "email_id", row.ID, "error", err)
	}
}

// release hands a claimed row back to the queue untouched.
func (d *Dispatcher) release(ctx context.Context, r *run, row model.EmailOutboxEntry) {
	d.finish(ctx, r, row, repository.UpdateEmailParams{Status: util.Some(model.OutboxStatusPending)})
}

func (d *Dispatcher) count(ctx context.Context, o outcome) {
	if d.emails == nil {
		return
	}
	d.emails.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(o))))
}

// ReleaseStale returns rows that have been processing for longer than olderThan to the queue.
func (d *Dispatcher) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := d.store.ReleaseStaleEmails(ctx, d.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale emails: %w", err)
	}
	if n > 0 {
		d.logger.WarnContext(ctx, "Released stale outbox claims", "count", n)
	}
	return n, nil
}

type Stats struct {
	ByStatus map[model.OutboxStatus]int `json:"by_status"`
	Due      int                        `json:"due"`
}

func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	byStatus, err := d.store.CountEmailsByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count emails: %w", err)
	}
	due, err := d.store.CountDueEmails(ctx, d.now())
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count due emails: %w", err)
	}
	return Stats{ByStatus: byStatus, Due: due}, nil
}
