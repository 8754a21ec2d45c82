package model

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the delivery transport for a queued notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Priority controls selection order when the worker claims a batch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Urgent reports whether the priority qualifies for the out-of-band
// high-priority sweep.
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// Status is the lifecycle state of a notification row. Sent, failed and
// cancelled are terminal; a retrying row is kept for audit and is never
// reprocessed — its successor row carries the lineage forward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
)

// Notification represents one row of the durable notification queue.
type Notification struct {
	ID            uuid.UUID      `json:"id"`
	Channel       Channel        `json:"channel"`
	Recipient     string         `json:"recipient"`
	Subject       string         `json:"subject,omitempty"`
	Body          string         `json:"body"`
	TemplateData  map[string]any `json:"template_data,omitempty"` // opaque to the worker, handed to the adapter
	UserID        *uuid.UUID     `json:"user_id,omitempty"`
	CampaignID    *uuid.UUID     `json:"campaign_id,omitempty"`
	Priority      Priority       `json:"priority"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	Status        Status         `json:"status"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	ParentID      *uuid.UUID     `json:"parent_id,omitempty"` // previous row of the same logical notification
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DeliveryRecord is one analytics row correlating a delivery attempt outcome
// with the notification it belongs to. Exactly one record with a terminal
// status (sent or failed) exists per logical notification lineage.
type DeliveryRecord struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	Channel        Channel    `json:"channel"`
	Provider       string     `json:"provider"`
	Status         Status     `json:"status"` // sent, retrying or failed
	Attempts       int        `json:"attempts"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
