package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mealdash/relay/internal/model"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNoNotificationsFound = errors.New("no notifications found")
	ErrNotCancellable       = errors.New("notification is not cancellable")
)

// selection order: critical and high priority rows first, oldest due first
// within the same band. Eligible rows still drain in bounded batches, so low
// priority entries are delayed, not starved.
const priorityRank = `
	CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		ELSE 3
	END`

// Repository provides access to the notifications queue and the delivery
// analytics table. It is the single source of truth for notification state.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new notification repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

const notificationColumns = `
	id, channel, recipient, subject, body, template_data, user_id,
	campaign_id, priority, attempts, max_attempts, status, scheduled_for,
	failure_reason, parent_id, created_at, updated_at`

// CreateNotification inserts a new notification into the queue and returns
// its ID.
func (r *Repository) CreateNotification(ctx context.Context, n model.Notification) (uuid.UUID, error) {
	query := `
		INSERT INTO notifications (
			channel, recipient, subject, body, template_data, user_id,
			campaign_id, priority, max_attempts, status, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id;
	`

	data, err := marshalTemplateData(n.TemplateData)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(
		ctx, query,
		n.Channel, n.Recipient, n.Subject, n.Body, data, n.UserID,
		n.CampaignID, n.Priority, n.MaxAttempts, n.Status, n.ScheduledFor,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create notification: %w", err)
	}

	return id, nil
}

// ClaimPending atomically claims up to limit eligible rows by flipping their
// status from pending to processing and returns the claimed rows. The inner
// SELECT uses FOR UPDATE SKIP LOCKED so concurrent worker processes never
// claim the same row twice.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]model.Notification, error) {
	return r.claim(ctx, limit, false)
}

// ClaimUrgent claims only high and critical priority rows. Used by the
// out-of-band high-priority sweep.
func (r *Repository) ClaimUrgent(ctx context.Context, limit int) ([]model.Notification, error) {
	return r.claim(ctx, limit, true)
}

func (r *Repository) claim(ctx context.Context, limit int, urgentOnly bool) ([]model.Notification, error) {
	cond := ""
	if urgentOnly {
		cond = "AND priority IN ('high', 'critical')"
	}

	query := fmt.Sprintf(`
		UPDATE notifications
		SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'pending' AND scheduled_for <= now() %s
			ORDER BY %s, scheduled_for
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s;
	`, cond, priorityRank, notificationColumns)

	rows, err := r.db.Master.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// MarkSent marks a notification as successfully delivered.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, model.StatusSent, nil)
}

// MarkFailed terminally fails a notification with the given reason.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.setStatus(ctx, id, model.StatusFailed, &reason)
}

// UpdateStatus updates the status of a notification by its ID.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.Status) error {
	return r.setStatus(ctx, id, status, nil)
}

func (r *Repository) setStatus(ctx context.Context, id uuid.UUID, status model.Status, reason *string) error {
	query := `
		UPDATE notifications
		SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = now()
		WHERE id = $3;
	`

	res, err := r.db.Master.ExecContext(ctx, query, status, reason, id)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

// CancelNotification cancels a notification that has not been claimed yet.
// Rows already processing or terminal are left untouched.
func (r *Repository) CancelNotification(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'pending';
	`

	res, err := r.db.Master.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to cancel notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotCancellable
	}

	return nil
}

// ScheduleRetry marks the original row as retrying and inserts a successor
// row carrying the incremented attempt count, scheduled at the given time.
// Both writes happen in one transaction so the lineage never loses a row.
func (r *Repository) ScheduleRetry(ctx context.Context, orig model.Notification, attempts int, at time.Time, reason string) (uuid.UUID, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	markQuery := `
		UPDATE notifications
		SET status = 'retrying', attempts = $1, failure_reason = $2, updated_at = now()
		WHERE id = $3;
	`

	if _, err = tx.ExecContext(ctx, markQuery, attempts, reason, orig.ID); err != nil {
		return uuid.Nil, fmt.Errorf("failed to mark notification retrying: %w", err)
	}

	insertQuery := `
		INSERT INTO notifications (
			channel, recipient, subject, body, template_data, user_id,
			campaign_id, priority, attempts, max_attempts, status,
			scheduled_for, parent_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12)
		RETURNING id;
	`

	data, err := marshalTemplateData(orig.TemplateData)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = tx.QueryRowContext(
		ctx, insertQuery,
		orig.Channel, orig.Recipient, orig.Subject, orig.Body, data,
		orig.UserID, orig.CampaignID, orig.Priority, attempts,
		orig.MaxAttempts, at, orig.ID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert retry notification: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit retry: %w", err)
	}

	return id, nil
}

// RecordDelivery appends one delivery analytics record.
func (r *Repository) RecordDelivery(ctx context.Context, rec model.DeliveryRecord) error {
	query := `
		INSERT INTO delivery_records (
			notification_id, user_id, campaign_id, channel, provider,
			status, attempts, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`

	_, err := r.db.Master.ExecContext(
		ctx, query,
		rec.NotificationID, rec.UserID, rec.CampaignID, rec.Channel,
		rec.Provider, rec.Status, rec.Attempts, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	return nil
}

// DeleteTerminalBefore removes terminal rows older than the cutoff. A row
// still referenced as the parent of a live successor is kept until that
// successor is itself reclaimed, so a retry lineage unwinds newest first and
// the parent_id foreign key is never violated. Delivery records are kept.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notifications n
		WHERE n.status IN ('sent', 'failed', 'retrying', 'cancelled')
		  AND n.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM notifications c WHERE c.parent_id = n.id
		  );
	`

	res, err := r.db.Master.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal notifications: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// GetNotificationStatusByID retrieves the status of a notification by its ID.
func (r *Repository) GetNotificationStatusByID(ctx context.Context, id uuid.UUID) (model.Status, error) {
	query := `
		SELECT status
		FROM notifications
		WHERE id = $1;
	`

	var status model.Status
	err := r.db.QueryRowContext(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotificationNotFound
		}

		return "", fmt.Errorf("failed to get notification status: %w", err)
	}

	return status, nil
}

// GetAllNotifications retrieves all notifications ordered by ScheduledFor
// descending.
func (r *Repository) GetAllNotifications(ctx context.Context) ([]model.Notification, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		ORDER BY scheduled_for DESC;
	`, notificationColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get all notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}

	if len(notifications) == 0 {
		return nil, ErrNoNotificationsFound
	}

	return notifications, nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var notifications []model.Notification

	for rows.Next() {
		var (
			n    model.Notification
			data []byte
		)

		err := rows.Scan(
			&n.ID, &n.Channel, &n.Recipient, &n.Subject, &n.Body, &data,
			&n.UserID, &n.CampaignID, &n.Priority, &n.Attempts,
			&n.MaxAttempts, &n.Status, &n.ScheduledFor, &n.FailureReason,
			&n.ParentID, &n.CreatedAt, &n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.TemplateData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal template data: %w", err)
			}
		}

		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

func marshalTemplateData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template data: %w", err)
	}

	return b, nil
}
