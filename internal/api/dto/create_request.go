package dto

// CreateRequest is the JSON body for enqueueing a notification.
type CreateRequest struct {
	Channel      string         `json:"channel" validate:"required,oneof=email sms push"`
	Recipient    string         `json:"recipient" validate:"required"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body" validate:"required"`
	TemplateData map[string]any `json:"template_data"`
	UserID       string         `json:"user_id" validate:"omitempty,uuid"`
	CampaignID   string         `json:"campaign_id" validate:"omitempty,uuid"`
	Priority     string         `json:"priority" validate:"omitempty,oneof=low normal high critical"`
	MaxAttempts  int            `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	ScheduledFor string         `json:"scheduled_for"` // RFC 3339; empty means now
}
