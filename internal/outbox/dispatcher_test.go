package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yecday/registration/internal/mailer"
	"github.com/yecday/registration/internal/model"
	"github.com/yecday/registration/internal/ratelimit"
	"github.com/yecday/registration/internal/repository"
	"github.com/yecday/registration/internal/util"
)

type fakeProvider struct {
	mu    sync.Mutex
	sent  []mailer.Message
	reply func(ctx context.Context, msg mailer.Message) error
}

func (p *fakeProvider) Send(ctx context.Context, msg mailer.Message) (mailer.Result, error) {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	reply := p.reply
	p.mu.Unlock()

	if reply != nil {
		if err := reply(ctx, msg); err != nil {
			return mailer.Result{}, err
		}
	}
	return mailer.Result{MessageID: "msg-" + msg.To}, nil
}

func (p *fakeProvider) messages() []mailer.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mailer.Message(nil), p.sent...)
}

type harness struct {
	t        *testing.T
	now      time.Time
	repo     *repository.MemoryRepository
	provider *fakeProvider
	renderer *mailer.TemplateRenderer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		provider: &fakeProvider{},
	}
	h.repo = repository.NewMemoryRepository(repository.WithClock(h.clock))
	renderer, err := mailer.NewTemplateRenderer()
	require.NoError(t, err)
	h.renderer = renderer
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) dispatcher(cfg Config, limiter ratelimit.Limiter) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(logger, h.repo, h.provider, h.renderer, limiter, cfg, h.clock)
}

func (h *harness) enqueue(to string) model.EmailOutboxEntry {
	h.t.Helper()
	e, err := h.repo.EnqueueEmail(context.Background(), repository.EnqueueEmailParams{
		Template: model.EmailTemplateTracking,
		ToEmail:  to,
		Payload:  map[string]any{"first_name": "Somchai", "registration_code": "YEC-ABC123"},
	})
	require.NoError(h.t, err)
	return e
}

func (h *harness) status(id uuid.UUID) model.EmailOutboxEntry {
	h.t.Helper()
	e, err := h.repo.GetEmail(context.Background(), id)
	require.NoError(h.t, err)
	return e
}

func TestScenarioAllowlistAndCap(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue("a@allowed.test")
	b := h.enqueue("b@other.test")
	c := h.enqueue("c@allowed.test")
	d := h.enqueue("d@other.test")
	e := h.enqueue("e@allowed.test")

	disp := h.dispatcher(Config{
		Allowlist:        []string{"a@allowed.test", "C@allowed.test", "e@allowed.test"},
		EnforceAllowlist: true,
		RunCap:           2,
	}, nil)

	res, err := disp.Dispatch(context.Background(), DispatchParams{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 2, Capped: 1, Blocked: 2, Remaining: 1}, res)
	assert.Equal(t, model.OutboxStatusSent, h.status(a.ID).Status)
	assert.Equal(t, model.OutboxStatusBlocked, h.status(b.ID).Status)
	assert.Equal(t, model.OutboxStatusSent, h.status(c.ID).Status)
	assert.Equal(t, model.OutboxStatusBlocked, h.status(d.ID).Status)
	assert.Equal(t, model.OutboxStatusCapped, h.status(e.ID).Status)
	assert.Len(t, h.provider.messages(), 2)

	sent := h.status(a.ID)
	require.NotNil(t, sent.SentAt)
	assert.Equal(t, h.now, *sent.SentAt)
	assert.Equal(t, "msg-a@allowed.test", *sent.ProviderMessageID)
	assert.Equal(t, 1, sent.Attempts)

	// Capped rows are picked up by the next run.
	res, err = disp.Dispatch(context.Background(), DispatchParams{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, model.OutboxStatusSent, h.status(e.ID).Status)
}

func TestCapLeavesNoPendingRows(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 7; i++ {
		h.enqueue(fmt.Sprintf("user%d@example.com", i))
	}

	res, err := h.dispatcher(Config{RunCap: 3}, nil).Dispatch(context.Background(), DispatchParams{BatchSize: 20})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 4, res.Capped)

	counts, err := h.repo.CountEmailsByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[model.OutboxStatusPending])
	assert.Equal(t, 4, counts[model.OutboxStatusCapped])
}

func TestDryRunDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ids := []uuid.UUID{
		h.enqueue("a@allowed.test").ID,
		h.enqueue("b@other.test").ID,
		h.enqueue("c@allowed.test").ID,
	}

	disp := h.dispatcher(Config{
		Allowlist:        []string{"@allowed.test"},
		EnforceAllowlist: true,
		RunCap:           1,
	}, nil)
	res, err := disp.Dispatch(context.Background(), DispatchParams{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, Result{WouldSend: 1, Blocked: 1, Capped: 1, Remaining: 3, DryRun: true}, res)
	assert.Empty(t, h.provider.messages())
	for _, id := range ids {
		e := h.status(id)
		assert.Equal(t, model.OutboxStatusPending, e.Status)
		assert.Zero(t, e.Attempts)
		assert.Nil(t, e.ClaimedAt)
	}
}

func TestRateLimitedRowsBackOffThenFail(t *testing.T) {
	h := newHarness(t)
	h.provider.reply = func(context.Context, mailer.Message) error { return mailer.ErrRateLimited }
	row := h.enqueue("a@example.com")

	disp := h.dispatcher(Config{MaxAttempts: 3, InitialBackoff: time.Minute}, nil)
	ctx := context.Background()

	res, err := disp.Dispatch(ctx, DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{RateLimited: 1, Retries: 1}, res)

	e := h.status(row.ID)
	assert.Equal(t, model.OutboxStatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, h.now.Add(time.Minute), e.NextAttemptAt)
	require.NotNil(t, e.LastError)

	// Not due yet.
	res, err = disp.Dispatch(ctx, DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	h.now = h.now.Add(time.Minute)
	res, err = disp.Dispatch(ctx, DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{RateLimited: 1, Retries: 1}, res)
	assert.Equal(t, h.now.Add(2*time.Minute), h.status(row.ID).NextAttemptAt)

	h.now = h.now.Add(2 * time.Minute)
	res, err = disp.Dispatch(ctx, DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{RateLimited: 1, Errors: 1}, res)

	e = h.status(row.ID)
	assert.Equal(t, model.OutboxStatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.Len(t, h.provider.messages(), 3)
}

func TestProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus model.OutboxStatus
		want       Result
	}{
		{
			name:       "server error is retried",
			err:        &mailer.ProviderError{StatusCode: 503, Temporary: true, Err: errors.New("unavailable")},
			wantStatus: model.OutboxStatusPending,
			want:       Result{Retries: 1},
		},
		{
			name:       "bad request fails",
			err:        &mailer.ProviderError{StatusCode: 422, Err: errors.New("invalid from")},
			wantStatus: model.OutboxStatusFailed,
			want:       Result{Errors: 1},
		},
		{
			name:       "unclassified error fails",
			err:        errors.New("boom"),
			wantStatus: model.OutboxStatusFailed,
			want:       Result{Errors: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			row := h.enqueue("a@example.com")
			ok := h.enqueue("b@example.com")
			calls := 0
			h.provider.reply = func(_ context.Context, msg mailer.Message) error {
				calls++
				if msg.To == row.ToEmail {
					return tt.err
				}
				return nil
			}

			res, err := h.dispatcher(Config{}, nil).Dispatch(context.Background(), DispatchParams{})
			require.NoError(t, err, "row failures never fail the run")

			tt.want.Sent = 1
			assert.Equal(t, tt.want, res)
			assert.Equal(t, 2, calls)
			e := h.status(row.ID)
			assert.Equal(t, tt.wantStatus, e.Status)
			assert.Equal(t, 1, e.Attempts)
			require.NotNil(t, e.LastError)
			assert.Contains(t, *e.LastError, tt.err.Error())
			assert.Equal(t, model.OutboxStatusSent, h.status(ok.ID).Status)
		})
	}
}

func TestProviderTimeoutIsRetried(t *testing.T) {
	h := newHarness(t)
	h.provider.reply = func(ctx context.Context, _ mailer.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	row := h.enqueue("slow@example.com")

	res, err := h.dispatcher(Config{ProviderTimeout: 10 * time.Millisecond}, nil).
		Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{Retries: 1}, res)
	assert.Equal(t, model.OutboxStatusPending, h.status(row.ID).Status)
}

func TestTemplateErrorFailsRow(t *testing.T) {
	h := newHarness(t)
	e, err := h.repo.EnqueueEmail(context.Background(), repository.EnqueueEmailParams{
		Template: model.EmailTemplateRejection,
		ToEmail:  "a@example.com",
		Payload:  map[string]any{"first_name": "A", "registration_code": "YEC-1"},
	})
	require.NoError(t, err)

	res, err := h.dispatcher(Config{}, nil).Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, res)
	assert.Equal(t, model.OutboxStatusFailed, h.status(e.ID).Status)
	assert.Empty(t, h.provider.messages())
}

func TestSubjectPrefixAndIdempotencyKeyReachProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.EnqueueEmail(context.Background(), repository.EnqueueEmailParams{
		Template:       model.EmailTemplateTracking,
		ToEmail:        "a@example.com",
		Payload:        map[string]any{"first_name": "A", "registration_code": "YEC-1"},
		IdempotencyKey: util.Some("tracking:1:v1"),
	})
	require.NoError(t, err)

	_, err = h.dispatcher(Config{SubjectPrefix: "[STAGING] "}, nil).Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)

	msgs := h.provider.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "[STAGING] YEC Day: we received your registration YEC-1", msgs[0].Subject)
	assert.Equal(t, "tracking:1:v1", msgs[0].IdempotencyKey)
}

// sentKeys reports every idempotency key as already delivered.
type sentKeys struct {
	*repository.MemoryRepository
}

func (sentKeys) HasSentEmailWithKey(context.Context, string, uuid.UUID) (bool, error) {
	return true, nil
}

func TestAlreadySentKeyIsSkipped(t *testing.T) {
	h := newHarness(t)
	keyed, err := h.repo.EnqueueEmail(context.Background(), repository.EnqueueEmailParams{
		Template:       model.EmailTemplateTracking,
		ToEmail:        "a@example.com",
		Payload:        map[string]any{"first_name": "A", "registration_code": "YEC-1"},
		IdempotencyKey: util.Some("tracking:1:v1"),
	})
	require.NoError(t, err)
	plain := h.enqueue("b@example.com")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := NewDispatcher(logger, sentKeys{h.repo}, h.provider, h.renderer, nil, Config{}, h.clock)
	res, err := disp.Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 1, Skipped: 1}, res)
	assert.Equal(t, model.OutboxStatusSkipped, h.status(keyed.ID).Status)
	assert.Equal(t, model.OutboxStatusSent, h.status(plain.ID).Status)
}

func TestSendBudgetDefersRows(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue("a@example.com")
	second := h.enqueue("b@example.com")

	budget := ratelimit.NewMemoryLimiter(1, time.Hour).WithClock(h.clock)
	res, err := h.dispatcher(Config{InitialBackoff: time.Minute}, budget).Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 1, RateLimited: 1, Retries: 1}, res)
	assert.Equal(t, model.OutboxStatusSent, h.status(first.ID).Status)
	deferred := h.status(second.ID)
	assert.Equal(t, model.OutboxStatusPending, deferred.Status)
	assert.Zero(t, deferred.Attempts, "no provider attempt was made")
	assert.Equal(t, h.now.Add(time.Minute), deferred.NextAttemptAt)
}

func TestConcurrentDispatchSendsEachRowOnce(t *testing.T) {
	h := newHarness(t)
	const rows = 40
	for i := 0; i < rows; i++ {
		h.enqueue(fmt.Sprintf("user%02d@example.com", i))
	}
	disp := h.dispatcher(Config{}, nil)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := disp.Dispatch(context.Background(), DispatchParams{BatchSize: 7})
			assert.NoError(t, err)
			mu.Lock()
			total += res.Sent
			mu.Unlock()
		}()
	}
	wg.Wait()

	perRecipient := map[string]int{}
	for _, msg := range h.provider.messages() {
		perRecipient[msg.To]++
	}
	for to, n := range perRecipient {
		assert.Equal(t, 1, n, to)
	}
	assert.Equal(t, len(perRecipient), total)
}

func TestReleaseStale(t *testing.T) {
	h := newHarness(t)
	row := h.enqueue("a@example.com")
	claimed, err := h.repo.ClaimDueEmails(context.Background(), h.now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	disp := h.dispatcher(Config{}, nil)
	n, err := disp.ReleaseStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "claim is still fresh")

	h.now = h.now.Add(11 * time.Minute)
	n, err = disp.ReleaseStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OutboxStatusPending, h.status(row.ID).Status)

	stats, err := disp.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Due)
	assert.Equal(t, 1, stats.ByStatus[model.OutboxStatusPending])
}

// hookLimiter allows every send and runs onCall before answering.
type hookLimiter struct {
	calls  int
	onCall func(ctx context.Context, call int)
}

func (l *hookLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.calls++
	if l.onCall != nil {
		l.onCall(ctx, l.calls)
	}
	return true, nil
}

func (l *hookLimiter) Reset(ctx context.Context, key string) error { return nil }

func TestReleasedClaimIsSentOnlyByItsNewOwner(t *testing.T) {
	h := newHarness(t)
	a := h.enqueue("a@example.com")
	b := h.enqueue("b@example.com")

	var (
		disp   *Dispatcher
		second Result
	)
	limiter := &hookLimiter{}
	limiter.onCall = func(ctx context.Context, call int) {
		if call != 2 {
			return
		}
		// The first run is slow to reach b: its claim goes stale, the reaper
		// releases it and another run takes the row.
		h.now = h.now.Add(11 * time.Minute)
		n, err := disp.ReleaseStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		second, err = disp.Dispatch(ctx, DispatchParams{BatchSize: 10})
		require.NoError(t, err)
	}
	disp = h.dispatcher(Config{}, limiter)

	first, err := disp.Dispatch(context.Background(), DispatchParams{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 1}, first)
	assert.Equal(t, Result{Sent: 1}, second)

	perRecipient := map[string]int{}
	for _, msg := range h.provider.messages() {
		perRecipient[msg.To]++
	}
	assert.Equal(t, map[string]int{"a@example.com": 1, "b@example.com": 1}, perRecipient)

	assert.Equal(t, model.OutboxStatusSent, h.status(a.ID).Status)
	row := h.status(b.ID)
	assert.Equal(t, model.OutboxStatusSent, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Nil(t, row.ClaimID)
}

func TestLostClaimDoesNotOverwriteRow(t *testing.T) {
	h := newHarness(t)
	row := h.enqueue("a@example.com")

	var disp *Dispatcher
	limiter := &hookLimiter{onCall: func(ctx context.Context, call int) {
		h.now = h.now.Add(11 * time.Minute)
		_, err := disp.ReleaseStale(ctx, 10*time.Minute)
		require.NoError(t, err)
	}}
	disp = h.dispatcher(Config{}, limiter)

	res, err := disp.Dispatch(context.Background(), DispatchParams{})
	require.NoError(t, err)

	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 1, res.Remaining)
	assert.Empty(t, h.provider.messages())

	released := h.status(row.ID)
	assert.Equal(t, model.OutboxStatusPending, released.Status)
	assert.Zero(t, released.Attempts)
}

func TestBackoff(t *testing.T) {
	disp := newHarness(t).dispatcher(Config{InitialBackoff: time.Minute}, nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, disp.Backoff(tt.attempts), tt.attempts)
	}
}

func TestAllowed(t *testing.T) {
	disp := newHarness(t).dispatcher(Config{
		Allowlist:        []string{" Team@YEC.test ", "@qa.example.com", ""},
		EnforceAllowlist: true,
	}, nil)

	assert.True(t, disp.Allowed("team@yec.test"))
	assert.True(t, disp.Allowed("anyone@qa.example.com"))
	assert.False(t, disp.Allowed("anyone@example.com"))
	assert.False(t, disp.Allowed("team@yec.test.evil"))

	open := newHarness(t).dispatcher(Config{Allowlist: []string{"team@yec.test"}}, nil)
	assert.True(t, open.Allowed("anyone@example.com"), "allowlist is ignored unless enforced")
}
