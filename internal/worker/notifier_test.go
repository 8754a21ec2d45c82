package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealdash/relay/internal/config"
	"github.com/mealdash/relay/internal/model"
)

// fakeRepo is an in-memory queue store. Eligibility by scheduled_for is
// ignored so retry successors can be claimed on the next cycle.
type fakeRepo struct {
	mu      sync.Mutex
	pending []model.Notification
	records []model.DeliveryRecord
	sent    []uuid.UUID
	failed  map[uuid.UUID]string
	claims  int
}

func newFakeRepo(batch ...model.Notification) *fakeRepo {
	return &fakeRepo{pending: batch, failed: make(map[uuid.UUID]string)}
}

func (r *fakeRepo) ClaimPending(_ context.Context, limit int) ([]model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claims++
	n := limit
	if n > len(r.pending) {
		n = len(r.pending)
	}

	batch := r.pending[:n]
	r.pending = r.pending[n:]

	out := make([]model.Notification, len(batch))
	copy(out, batch)
	return out, nil
}

func (r *fakeRepo) ClaimUrgent(_ context.Context, limit int) ([]model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claims++
	var batch, rest []model.Notification
	for _, n := range r.pending {
		if n.Priority.Urgent() && len(batch) < limit {
			batch = append(batch, n)
			continue
		}
		rest = append(rest, n)
	}
	r.pending = rest

	return batch, nil
}

func (r *fakeRepo) MarkSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, id)
	return nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

func (r *fakeRepo) ScheduleRetry(_ context.Context, orig model.Notification, attempts int, at time.Time, _ string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	successor := orig
	successor.ID = uuid.New()
	successor.Attempts = attempts
	successor.Status = model.StatusPending
	successor.ScheduledFor = at
	parent := orig.ID
	successor.ParentID = &parent

	r.pending = append(r.pending, successor)
	return successor.ID, nil
}

func (r *fakeRepo) RecordDelivery(_ context.Context, rec model.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRepo) DeleteTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) snapshot() ([]model.DeliveryRecord, []uuid.UUID, map[uuid.UUID]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]model.DeliveryRecord, len(r.records))
	copy(records, r.records)
	sent := make([]uuid.UUID, len(r.sent))
	copy(sent, r.sent)
	failed := make(map[uuid.UUID]string, len(r.failed))
	for k, v := range r.failed {
		failed[k] = v
	}

	return records, sent, failed, len(r.pending)
}

// fakeAdapter records sends and fails when err is set. block, when non-nil,
// is received from before every send returns.
type fakeAdapter struct {
	mu    sync.Mutex
	sends []sendCall
	err   error
	block chan struct{}
}

type sendCall struct {
	recipient, subject, body string
	metadata                 map[string]any
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Send(_ context.Context, recipient, subject, body string, metadata map[string]any) error {
	a.mu.Lock()
	a.sends = append(a.sends, sendCall{recipient, subject, body, metadata})
	a.mu.Unlock()

	if a.block != nil {
		<-a.block
	}

	return a.err
}

func (a *fakeAdapter) calls() []sendCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sendCall, len(a.sends))
	copy(out, a.sends)
	return out
}

func emailNotification(maxAttempts int) model.Notification {
	return model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelEmail,
		Recipient:   "user@example.com",
		Subject:     "Order update",
		Body:        "Your order is on its way",
		Priority:    model.PriorityNormal,
		MaxAttempts: maxAttempts,
		Status:      model.StatusPending,
	}
}

func newTestNotifier(repo repository, adapter Adapter) *Notifier {
	adapters := map[model.Channel]Adapter{
		model.ChannelEmail: adapter,
		model.ChannelSMS:   adapter,
		model.ChannelPush:  adapter,
	}
	return NewNotifier(repo, adapters, config.Worker{})
}

func TestProcessQueue_Sent(t *testing.T) {
	notif := emailNotification(3)
	repo := newFakeRepo(notif)
	adapter := &fakeAdapter{}

	n := newTestNotifier(repo, adapter)
	n.ProcessQueue(context.Background())

	records, sent, failed, pendingLeft := repo.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, notif.ID, sent[0])
	assert.Empty(t, failed)
	assert.Zero(t, pendingLeft)

	require.Len(t, records, 1)
	assert.Equal(t, model.StatusSent, records[0].Status)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, "fake", records[0].Provider)
}

func TestProcessQueue_RetryLineageExhaustsToFailed(t *testing.T) {
	notif := emailNotification(3)
	repo := newFakeRepo(notif)
	adapter := &fakeAdapter{err: errors.New("provider unavailable")}

	n := newTestNotifier(repo, adapter)

	// each cycle claims the successor scheduled by the previous one
	for i := 0; i < 3; i++ {
		n.ProcessQueue(context.Background())
	}

	records, sent, failed, pendingLeft := repo.snapshot()
	assert.Empty(t, sent)
	require.Len(t, failed, 1)
	assert.Zero(t, pendingLeft, "no fourth attempt may be scheduled")

	require.Len(t, records, 3)
	assert.Equal(t, model.StatusRetrying, records[0].Status)
	assert.Equal(t, model.StatusRetrying, records[1].Status)
	assert.Equal(t, model.StatusFailed, records[2].Status)

	terminal := 0
	for _, rec := range records {
		assert.LessOrEqual(t, rec.Attempts, notif.MaxAttempts)
		if rec.Status == model.StatusSent || rec.Status == model.StatusFailed {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal record per lineage")
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	notif := emailNotification(3)
	repo := newFakeRepo(notif)
	adapter := &fakeAdapter{block: make(chan struct{})}

	n := newTestNotifier(repo, adapter)

	done := make(chan struct{})
	go func() {
		n.ProcessQueue(context.Background())
		close(done)
	}()

	// wait until the first cycle has claimed its batch and is inside Send
	require.Eventually(t, func() bool {
		return len(adapter.calls()) == 1
	}, time.Second, 5*time.Millisecond)

	// overlapping invocation is skipped, not queued
	n.ProcessQueue(context.Background())

	repo.mu.Lock()
	claims := repo.claims
	repo.mu.Unlock()
	assert.Equal(t, 1, claims)

	close(adapter.block)
	<-done
}

func TestProcessQueue_SMSTruncation(t *testing.T) {
	ascii := model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelSMS,
		Recipient:   "+15550100",
		Body:        strings.Repeat("a", 200),
		MaxAttempts: 3,
	}
	multibyte := model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelSMS,
		Recipient:   "+15550101",
		Body:        strings.Repeat("é", 200),
		MaxAttempts: 3,
	}
	repo := newFakeRepo(ascii, multibyte)
	adapter := &fakeAdapter{}

	n := newTestNotifier(repo, adapter)
	n.ProcessQueue(context.Background())

	calls := adapter.calls()
	require.Len(t, calls, 2)

	bodies := []string{calls[0].body, calls[1].body}
	assert.Contains(t, bodies, strings.Repeat("a", 157)+"...")
	assert.Contains(t, bodies, strings.Repeat("é", 157)+"...")

	for _, body := range bodies {
		assert.Equal(t, 160, utf8.RuneCountInString(body), "limit counts characters")
		assert.True(t, utf8.ValidString(body), "truncation must not split a rune")
	}
}

func TestProcessQueue_MissingFieldIsPermanent(t *testing.T) {
	notif := emailNotification(3)
	notif.Subject = ""
	repo := newFakeRepo(notif)
	adapter := &fakeAdapter{}

	n := newTestNotifier(repo, adapter)
	n.ProcessQueue(context.Background())

	records, sent, failed, pendingLeft := repo.snapshot()
	assert.Empty(t, adapter.calls(), "adapter must not be called")
	assert.Empty(t, sent)
	assert.Zero(t, pendingLeft, "validation failures are never retried")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[notif.ID], "subject")

	require.Len(t, records, 1)
	assert.Equal(t, model.StatusFailed, records[0].Status)
}

func TestProcessQueue_PushRequiresUserID(t *testing.T) {
	notif := model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelPush,
		Recipient:   "device",
		Body:        "hello",
		MaxAttempts: 3,
	}
	repo := newFakeRepo(notif)
	adapter := &fakeAdapter{}

	n := newTestNotifier(repo, adapter)
	n.ProcessQueue(context.Background())

	_, _, failed, _ := repo.snapshot()
	require.Len(t, failed, 1)
	assert.Empty(t, adapter.calls())
}

func TestProcessHighPriority_ClaimsUrgentOnly(t *testing.T) {
	low := emailNotification(3)
	low.Priority = model.PriorityLow

	critical := emailNotification(3)
	critical.Priority = model.PriorityCritical

	repo := newFakeRepo(low, critical)
	adapter := &fakeAdapter{}

	n := newTestNotifier(repo, adapter)
	n.ProcessHighPriority(context.Background())

	_, sent, _, pendingLeft := repo.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, critical.ID, sent[0])
	assert.Equal(t, 1, pendingLeft, "low priority row stays queued")
}

func TestRetryDelay(t *testing.T) {
	n := NewNotifier(nil, nil, config.Worker{
		RetryBaseDelay: time.Minute,
		RetryMaxFactor: 60,
	})

	var prev time.Duration
	for attempts := 1; attempts <= 10; attempts++ {
		d := n.retryDelay(attempts)
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, d, 60*time.Minute, "delay must stay capped")
		prev = d
	}

	assert.Equal(t, time.Minute, n.retryDelay(1))
	assert.Equal(t, 2*time.Minute, n.retryDelay(2))
	assert.Equal(t, 4*time.Minute, n.retryDelay(3))
	assert.Equal(t, 60*time.Minute, n.retryDelay(8))
	assert.Equal(t, n.retryDelay(8), n.retryDelay(20), "cap repeats past the threshold")
}

func TestTruncateSMS_ShortBodyUntouched(t *testing.T) {
	assert.Equal(t, "short", truncateSMS("short"))
	exact := strings.Repeat("b", 160)
	assert.Equal(t, exact, truncateSMS(exact))

	// 100 characters but 200 bytes, still within the character limit
	accented := strings.Repeat("é", 100)
	assert.Equal(t, accented, truncateSMS(accented))
}
