package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/api/dto"
	"github.com/mealdash/relay/internal/api/respond"
	"github.com/mealdash/relay/internal/config"
	"github.com/mealdash/relay/internal/model"
	"github.com/mealdash/relay/internal/repository/notification"
)

// notificationService defines the interface that the Handler depends on.
type notificationService interface {
	CreateNotification(context.Context, retry.Strategy, model.Notification) (uuid.UUID, error)
	GetNotificationStatusByID(context.Context, retry.Strategy, uuid.UUID) (model.Status, error)
	GetAllNotifications(context.Context) ([]model.Notification, error)
	CancelNotification(context.Context, retry.Strategy, uuid.UUID) error
}

// Handler handles HTTP requests related to notifications: enqueueing,
// status lookup, listing and cancellation.
type Handler struct {
	service   notificationService
	validator *validator.Validate
	cfg       *config.Config
}

// NewHandler creates a new Handler instance.
func NewHandler(s notificationService, v *validator.Validate, cfg *config.Config) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// Create handles HTTP POST requests to enqueue a new notification.
func (h *Handler) Create(c *ginext.Context) {
	var req dto.CreateRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	notif, err := toModel(req)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("invalid create request")
		respond.Fail(c.Writer, http.StatusBadRequest, err)
		return
	}

	id, err := h.service.CreateNotification(c.Request.Context(), h.cfg.Retry, notif)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("channel", req.Channel).Msg("failed to create notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.Created(c.Writer, id)
}

// toModel validates the request's dynamic fields and builds the queue row.
func toModel(req dto.CreateRequest) (model.Notification, error) {
	scheduledFor := time.Now()
	if req.ScheduledFor != "" {
		parsed, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			return model.Notification{}, fmt.Errorf("invalid scheduled_for format")
		}
		scheduledFor = parsed
	}

	priority := model.Priority(req.Priority)
	if req.Priority == "" {
		priority = model.PriorityNormal
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	notif := model.Notification{
		Channel:      model.Channel(req.Channel),
		Recipient:    req.Recipient,
		Subject:      req.Subject,
		Body:         req.Body,
		TemplateData: req.TemplateData,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		Status:       model.StatusPending,
		ScheduledFor: scheduledFor,
	}

	if req.UserID != "" {
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			return model.Notification{}, fmt.Errorf("invalid user_id")
		}
		notif.UserID = &userID
	}

	if req.CampaignID != "" {
		campaignID, err := uuid.Parse(req.CampaignID)
		if err != nil {
			return model.Notification{}, fmt.Errorf("invalid campaign_id")
		}
		notif.CampaignID = &campaignID
	}

	return notif, nil
}

// GetStatus handles HTTP GET requests to retrieve the status of a
// notification by its ID.
func (h *Handler) GetStatus(c *ginext.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("idStr", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	status, err := h.service.GetNotificationStatusByID(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			zlog.Logger.Warn().Interface("id", id).Err(err).Msg("notification not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("notification not found"))
			return
		}

		zlog.Logger.Error().Err(err).Interface("id", id).Msg("failed to get notification status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, status)
}

// GetAll handles HTTP GET requests to retrieve all notifications.
func (h *Handler) GetAll(c *ginext.Context) {
	notifications, err := h.service.GetAllNotifications(c.Request.Context())
	if err != nil {
		if errors.Is(err, notification.ErrNoNotificationsFound) {
			zlog.Logger.Warn().Err(err).Msg("no notifications found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("no notifications found"))
			return
		}

		zlog.Logger.Error().Err(err).Msg("failed to get notifications")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, notifications)
}

// Cancel handles HTTP DELETE requests to cancel a pending notification.
func (h *Handler) Cancel(c *ginext.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("idStr", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return
	}

	err = h.service.CancelNotification(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, notification.ErrNotCancellable) {
			zlog.Logger.Warn().Interface("id", id).Err(err).Msg("notification not cancellable")
			respond.Fail(c.Writer, http.StatusConflict, fmt.Errorf("notification is not cancellable"))
			return
		}

		zlog.Logger.Error().Err(err).Interface("id", id).Msg("failed to cancel notification")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, "notification cancelled")
}
