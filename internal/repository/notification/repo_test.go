package notification

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mealdash/relay/internal/model"
)

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	wrappedDB := &dbpg.DB{Master: db}
	repo := NewRepository(wrappedDB)

	return repo, mock
}

func notificationRows(n model.Notification) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "channel", "recipient", "subject", "body", "template_data",
		"user_id", "campaign_id", "priority", "attempts", "max_attempts",
		"status", "scheduled_for", "failure_reason", "parent_id",
		"created_at", "updated_at",
	}).AddRow(
		n.ID, n.Channel, n.Recipient, n.Subject, n.Body, []byte(nil),
		n.UserID, n.CampaignID, n.Priority, n.Attempts, n.MaxAttempts,
		n.Status, n.ScheduledFor, n.FailureReason, n.ParentID,
		n.CreatedAt, n.UpdatedAt,
	)
}

func TestCreateNotification(t *testing.T) {
	repo, mock := setupMockDB(t)

	notificationID := uuid.New()
	n := model.Notification{
		Channel:      model.ChannelEmail,
		Recipient:    "user@example.com",
		Subject:      "Order update",
		Body:         "Your order is being prepared",
		Priority:     model.PriorityNormal,
		MaxAttempts:  3,
		Status:       model.StatusPending,
		ScheduledFor: time.Now(),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(
			n.Channel, n.Recipient, n.Subject, n.Body, []byte(nil), n.UserID,
			n.CampaignID, n.Priority, n.MaxAttempts, n.Status, n.ScheduledFor,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(notificationID))

	id, err := repo.CreateNotification(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, notificationID, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPending(t *testing.T) {
	repo, mock := setupMockDB(t)

	n := model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelSMS,
		Recipient:   "+15550100",
		Body:        "hi",
		Priority:    model.PriorityHigh,
		MaxAttempts: 3,
		Status:      model.StatusProcessing,
	}

	mock.ExpectQuery("UPDATE notifications").
		WithArgs(10).
		WillReturnRows(notificationRows(n))

	claimed, err := repo.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, n.ID, claimed[0].ID)
	assert.Equal(t, model.StatusProcessing, claimed[0].Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent(t *testing.T) {
	repo, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE notifications").
		WithArgs(model.StatusSent, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkSent(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE notifications").
		WithArgs(model.StatusFailed, "provider down", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkFailed(context.Background(), id, "provider down")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetry(t *testing.T) {
	repo, mock := setupMockDB(t)

	orig := model.Notification{
		ID:          uuid.New(),
		Channel:     model.ChannelEmail,
		Recipient:   "user@example.com",
		Subject:     "s",
		Body:        "b",
		Priority:    model.PriorityNormal,
		MaxAttempts: 3,
	}
	successorID := uuid.New()
	at := time.Now().Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE notifications").
		WithArgs(1, "timeout", orig.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notifications")).
		WithArgs(
			orig.Channel, orig.Recipient, orig.Subject, orig.Body, []byte(nil),
			orig.UserID, orig.CampaignID, orig.Priority, 1, orig.MaxAttempts,
			at, orig.ID,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(successorID))
	mock.ExpectCommit()

	id, err := repo.ScheduleRetry(context.Background(), orig, 1, at, "timeout")
	require.NoError(t, err)
	assert.Equal(t, successorID, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelNotification_NotCancellable(t *testing.T) {
	repo, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE notifications").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CancelNotification(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDelivery(t *testing.T) {
	repo, mock := setupMockDB(t)

	rec := model.DeliveryRecord{
		NotificationID: uuid.New(),
		Channel:        model.ChannelPush,
		Provider:       "push-gateway",
		Status:         model.StatusSent,
		Attempts:       1,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO delivery_records")).
		WithArgs(
			rec.NotificationID, rec.UserID, rec.CampaignID, rec.Channel,
			rec.Provider, rec.Status, rec.Attempts, rec.Reason,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, repo.RecordDelivery(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTerminalBefore(t *testing.T) {
	repo, mock := setupMockDB(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM notifications").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTerminalBefore_KeepsReferencedLineageParents(t *testing.T) {
	repo, mock := setupMockDB(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	// the sweep must not touch a retrying parent while its successor lives
	mock.ExpectExec(`(?s)DELETE FROM notifications.*NOT EXISTS.*parent_id`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotificationStatusByID_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT status").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := repo.GetNotificationStatusByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotificationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
