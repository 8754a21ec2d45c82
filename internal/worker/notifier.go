// Package worker implements the notification queue worker: a timer-driven,
// single-flight poll loop that claims pending rows from the durable queue
// and delivers each through the adapter matching its channel type, with
// exponential capped backoff on failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/config"
	"github.com/mealdash/relay/internal/model"
)

// Adapter delivers one notification through a concrete provider.
type Adapter interface {
	Name() string
	Send(ctx context.Context, recipient, subject, body string, metadata map[string]any) error
}

// repository is the durable queue store the worker drains.
type repository interface {
	ClaimPending(ctx context.Context, limit int) ([]model.Notification, error)
	ClaimUrgent(ctx context.Context, limit int) ([]model.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ScheduleRetry(ctx context.Context, orig model.Notification, attempts int, at time.Time, reason string) (uuid.UUID, error)
	RecordDelivery(ctx context.Context, rec model.DeliveryRecord) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const smsMaxLen = 160

// permanentError marks a validation failure that must never be retried.
type permanentError struct {
	reason string
}

func (e *permanentError) Error() string { return e.reason }

// Notifier polls the notification queue and drives every claimed row to a
// terminal outcome or a scheduled retry.
type Notifier struct {
	repo     repository
	adapters map[model.Channel]Adapter
	cfg      config.Worker

	// guards a poll cycle; overlapping invocations are skipped, not queued
	cycle sync.Mutex
}

// NewNotifier creates a queue worker. Zero config fields fall back to
// defaults.
func NewNotifier(repo repository, adapters map[model.Channel]Adapter, cfg config.Worker) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Minute
	}
	if cfg.RetryMaxFactor <= 0 {
		cfg.RetryMaxFactor = 60
	}

	return &Notifier{
		repo:     repo,
		adapters: adapters,
		cfg:      cfg,
	}
}

// Run polls the queue once immediately and then on every tick until the
// context is cancelled. A started cycle always runs to completion.
func (n *Notifier) Run(ctx context.Context) {
	n.ProcessQueue(ctx)

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if n.cfg.Retention > 0 && n.cfg.SweepInterval > 0 {
		sweeper := time.NewTicker(n.cfg.SweepInterval)
		defer sweeper.Stop()
		sweep = sweeper.C
	}

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Info().Msg("notifier stopped")
			return
		case <-ticker.C:
			n.ProcessQueue(ctx)
		case <-sweep:
			n.sweepTerminal(ctx)
		}
	}
}

// ProcessQueue runs one poll cycle: claim a batch of eligible rows and
// process them concurrently. If a prior cycle is still running the call is
// a no-op.
func (n *Notifier) ProcessQueue(ctx context.Context) {
	if !n.cycle.TryLock() {
		zlog.Logger.Debug().Msg("poll cycle already running, skipping")
		return
	}
	defer n.cycle.Unlock()

	batch, err := n.repo.ClaimPending(ctx, n.cfg.BatchSize)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to claim pending notifications")
		return
	}

	n.processBatch(ctx, batch)
}

// ProcessHighPriority processes only high and critical priority rows, ahead
// of the next scheduled cycle. Row claiming is atomic, so it is safe to run
// while a regular cycle is in flight.
func (n *Notifier) ProcessHighPriority(ctx context.Context) {
	batch, err := n.repo.ClaimUrgent(ctx, n.cfg.BatchSize)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to claim urgent notifications")
		return
	}

	n.processBatch(ctx, batch)
}

// processBatch dispatches every claimed row on its own goroutine and waits
// for all of them. A slow provider call or a failure in one row never stalls
// or aborts its siblings.
func (n *Notifier) processBatch(ctx context.Context, batch []model.Notification) {
	if len(batch) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(batch))

	for _, notif := range batch {
		go func(notif model.Notification) {
			defer wg.Done()
			n.process(ctx, notif)
		}(notif)
	}

	wg.Wait()
}

// process drives one claimed row to sent, retrying or failed.
func (n *Notifier) process(ctx context.Context, notif model.Notification) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().
				Str("id", notif.ID.String()).
				Interface("panic", r).
				Msg("panic while processing notification")
			n.retryOrFail(ctx, notif, fmt.Sprintf("panic: %v", r))
		}
	}()

	zlog.Logger.Info().
		Str("id", notif.ID.String()).
		Str("channel", string(notif.Channel)).
		Int("attempts", notif.Attempts).
		Msg("processing notification")

	if err := n.dispatch(ctx, notif); err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			n.fail(ctx, notif, perm.reason)
			return
		}

		n.retryOrFail(ctx, notif, err.Error())
		return
	}

	if err := n.repo.MarkSent(ctx, notif.ID); err != nil {
		zlog.Logger.Error().Err(err).Str("id", notif.ID.String()).Msg("failed to mark notification sent")
		return
	}

	n.record(ctx, notif, model.StatusSent, notif.Attempts+1, "")

	zlog.Logger.Info().Str("id", notif.ID.String()).Msg("notification sent")
}

// dispatch validates the row for its channel type, shapes the payload and
// hands it to the adapter. Validation failures are permanent.
func (n *Notifier) dispatch(ctx context.Context, notif model.Notification) error {
	adapter, ok := n.adapters[notif.Channel]
	if !ok {
		return &permanentError{reason: fmt.Sprintf("no adapter for channel %q", notif.Channel)}
	}

	switch notif.Channel {
	case model.ChannelEmail:
		if notif.Subject == "" || notif.Body == "" {
			return &permanentError{reason: "email requires subject and body"}
		}
		return adapter.Send(ctx, notif.Recipient, notif.Subject, notif.Body, notif.TemplateData)

	case model.ChannelSMS:
		if notif.Body == "" {
			return &permanentError{reason: "sms requires body"}
		}
		return adapter.Send(ctx, notif.Recipient, "", truncateSMS(notif.Body), nil)

	case model.ChannelPush:
		if notif.UserID == nil {
			return &permanentError{reason: "push requires an associated user id"}
		}

		data := map[string]any{"notification_id": notif.ID.String()}
		for k, v := range notif.TemplateData {
			data[k] = v
		}

		return adapter.Send(ctx, notif.UserID.String(), notif.Subject, notif.Body, data)

	default:
		return &permanentError{reason: fmt.Sprintf("unknown channel %q", notif.Channel)}
	}
}

// retryOrFail increments the attempt count and either schedules a successor
// row on the backoff ladder or terminally fails the notification.
func (n *Notifier) retryOrFail(ctx context.Context, notif model.Notification, reason string) {
	attempts := notif.Attempts + 1

	if attempts >= notif.MaxAttempts {
		n.fail(ctx, notif, reason)
		return
	}

	delay := n.retryDelay(attempts)
	at := time.Now().Add(delay)

	successor, err := n.repo.ScheduleRetry(ctx, notif, attempts, at, reason)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", notif.ID.String()).Msg("failed to schedule retry")
		return
	}

	n.record(ctx, notif, model.StatusRetrying, attempts, reason)

	zlog.Logger.Warn().
		Str("id", notif.ID.String()).
		Str("successor", successor.String()).
		Dur("delay", delay).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("notification rescheduled")
}

func (n *Notifier) fail(ctx context.Context, notif model.Notification, reason string) {
	if err := n.repo.MarkFailed(ctx, notif.ID, reason); err != nil {
		zlog.Logger.Error().Err(err).Str("id", notif.ID.String()).Msg("failed to mark notification failed")
		return
	}

	n.record(ctx, notif, model.StatusFailed, notif.Attempts+1, reason)

	zlog.Logger.Warn().
		Str("id", notif.ID.String()).
		Str("reason", reason).
		Msg("notification failed")
}

// record emits one delivery analytics record for an attempt outcome.
func (n *Notifier) record(ctx context.Context, notif model.Notification, status model.Status, attempts int, reason string) {
	provider := "none"
	if adapter, ok := n.adapters[notif.Channel]; ok {
		provider = adapter.Name()
	}

	rec := model.DeliveryRecord{
		NotificationID: notif.ID,
		UserID:         notif.UserID,
		CampaignID:     notif.CampaignID,
		Channel:        notif.Channel,
		Provider:       provider,
		Status:         status,
		Attempts:       attempts,
		Reason:         reason,
	}

	if err := n.repo.RecordDelivery(ctx, rec); err != nil {
		zlog.Logger.Error().Err(err).Str("id", notif.ID.String()).Msg("failed to record delivery")
	}
}

// retryDelay computes the backoff for the given attempt count: base doubled
// per prior attempt, capped at base times the max factor.
func (n *Notifier) retryDelay(attempts int) time.Duration {
	factor := 1
	for i := 1; i < attempts && factor < n.cfg.RetryMaxFactor; i++ {
		factor *= 2
	}
	if factor > n.cfg.RetryMaxFactor {
		factor = n.cfg.RetryMaxFactor
	}

	return n.cfg.RetryBaseDelay * time.Duration(factor)
}

// truncateSMS cuts the body down to the single-segment SMS limit, keeping a
// trailing ellipsis when content was dropped. The limit counts characters,
// not bytes, so multibyte text is never cut mid-rune.
func truncateSMS(body string) string {
	if utf8.RuneCountInString(body) <= smsMaxLen {
		return body
	}
	return string([]rune(body)[:smsMaxLen-3]) + "..."
}

// sweepTerminal garbage-collects terminal rows past the retention window.
func (n *Notifier) sweepTerminal(ctx context.Context) {
	cutoff := time.Now().Add(-n.cfg.Retention)

	deleted, err := n.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("retention sweep failed")
		return
	}

	if deleted > 0 {
		zlog.Logger.Info().Int64("deleted", deleted).Msg("retention sweep removed terminal rows")
	}
}
