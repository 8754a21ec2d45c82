package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/model"
)

type notificationRepository interface {
	CreateNotification(context.Context, model.Notification) (uuid.UUID, error)
	GetNotificationStatusByID(context.Context, uuid.UUID) (model.Status, error)
	GetAllNotifications(context.Context) ([]model.Notification, error)
	CancelNotification(context.Context, uuid.UUID) error
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// Service implements the producer side of the notification queue: it
// enqueues rows for the worker to deliver and serves status lookups through
// a Redis cache.
type Service struct {
	repo  notificationRepository
	cache cache
}

// NewService creates a notification service.
func NewService(repo notificationRepository, cache cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// CreateNotification enqueues a notification for asynchronous delivery. The
// worker picks it up once its scheduled time arrives.
func (s *Service) CreateNotification(ctx context.Context, strategy retry.Strategy, notification model.Notification) (uuid.UUID, error) {
	id, err := s.repo.CreateNotification(ctx, notification)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create notification: %w", err)
	}

	err = s.cache.SetWithRetry(ctx, strategy, id.String(), string(notification.Status))
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	return id, nil
}

// GetNotificationStatusByID returns the row's current status, consulting
// the cache first.
func (s *Service) GetNotificationStatusByID(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (model.Status, error) {
	cached, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get notification status from cache")
	}

	if err == nil && cached != "" {
		return model.Status(cached), nil
	}

	status, err := s.repo.GetNotificationStatusByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get notification status: %w", err)
	}

	err = s.cache.SetWithRetry(ctx, strategy, id.String(), string(status))
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	return status, nil
}

// GetAllNotifications lists every queued notification.
func (s *Service) GetAllNotifications(ctx context.Context) ([]model.Notification, error) {
	notifications, err := s.repo.GetAllNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all notifications: %w", err)
	}

	return notifications, nil
}

// CancelNotification cancels a pending notification. Rows the worker has
// already claimed or finished cannot be cancelled.
func (s *Service) CancelNotification(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	if err := s.repo.CancelNotification(ctx, id); err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}

	err := s.cache.SetWithRetry(ctx, strategy, id.String(), string(model.StatusCancelled))
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache notification status")
	}

	return nil
}
