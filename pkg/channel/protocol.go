// Package channel defines the wire protocol for the persistent-connection
// channel gateway and provides a reconnecting client for it.
//
// Every frame is one JSON object carrying a "type" field; the remaining
// fields depend on the type. Channels are named topics following the grammar
// order:<id>, vendor:<id>, rider:<id>.
package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message types exchanged over a channel connection.
const (
	TypeConnection            = "connection"
	TypeAuth                  = "auth"
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"

	TypeRiderLocation       = "rider_location"
	TypeOrderStatusUpdate   = "order_status_update"
	TypeRiderLocationUpdate = "rider_location_update"
	TypeVendorAlert         = "vendor_alert"
	TypeETAUpdate           = "eta_update"
	TypeTrackingEvent       = "tracking_event"
)

// Envelope carries only the type discriminator; the full frame is decoded
// into the matching typed struct once the type is known.
type Envelope struct {
	Type string `json:"type"`
}

// AuthRequest is sent by the client to authenticate the connection.
type AuthRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthResult is the gateway's response to an AuthRequest.
type AuthResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubscribeRequest subscribes or unsubscribes the session to a channel,
// depending on Type.
type SubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// SubscriptionConfirmed lists the session's full current subscription set
// after a subscribe or unsubscribe was applied.
type SubscriptionConfirmed struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

// RiderLocation is published by a rider client to report its position.
type RiderLocation struct {
	Type    string  `json:"type"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	OrderID string  `json:"orderId,omitempty"`
}

// OrderStatusUpdate notifies subscribers that an order changed status.
type OrderStatusUpdate struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RiderLocationUpdate fans a rider position out to subscribers.
type RiderLocationUpdate struct {
	Type      string    `json:"type"`
	RiderID   string    `json:"riderId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	OrderID   string    `json:"orderId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// VendorAlert notifies a vendor channel about an order needing attention.
type VendorAlert struct {
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
	Urgency string `json:"urgency"`
	Message string `json:"message,omitempty"`
}

// ETAUpdate carries a revised delivery estimate for an order.
type ETAUpdate struct {
	Type             string `json:"type"`
	OrderID          string `json:"orderId"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
}

// TrackingEvent is a generic order tracking event for feeds that have no
// dedicated message type.
type TrackingEvent struct {
	Type    string         `json:"type"`
	OrderID string         `json:"orderId"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data,omitempty"`
}

// ErrorMessage reports a protocol-level error to the peer.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Channel name grammar: order:<id>, vendor:<id>, rider:<id>.
const (
	KindOrder  = "order"
	KindVendor = "vendor"
	KindRider  = "rider"
)

// OrderChannel returns the channel name fanning out all events for one order.
func OrderChannel(orderID string) string { return KindOrder + ":" + orderID }

// VendorChannel returns the channel name for one vendor's alerts.
func VendorChannel(vendorID string) string { return KindVendor + ":" + vendorID }

// RiderChannel returns the channel name for one rider's location feed.
func RiderChannel(riderID string) string { return KindRider + ":" + riderID }

// ParseChannel splits a channel name into its kind and id, rejecting names
// outside the documented grammar.
func ParseChannel(name string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(name, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("invalid channel name %q", name)
	}

	switch kind {
	case KindOrder, KindVendor, KindRider:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("unknown channel kind %q", kind)
	}
}

// Decode unmarshals a raw frame into the typed struct matching its type
// field. Unknown types are returned as the bare Envelope so callers can
// forward them to a generic handler.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeAuth:
		msg = &AuthResult{}
	case TypeSubscriptionConfirmed:
		msg = &SubscriptionConfirmed{}
	case TypeOrderStatusUpdate:
		msg = &OrderStatusUpdate{}
	case TypeRiderLocationUpdate:
		msg = &RiderLocationUpdate{}
	case TypeVendorAlert:
		msg = &VendorAlert{}
	case TypeETAUpdate:
		msg = &ETAUpdate{}
	case TypeTrackingEvent:
		msg = &TrackingEvent{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeConnection, TypePing, TypePong:
		return &env, nil
	default:
		return &env, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", env.Type, err)
	}

	return msg, nil
}
