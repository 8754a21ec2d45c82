// Package push provides a client for sending mobile push notifications
// through the platform's push provider HTTP API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents a push provider client.
type Client struct {
	apiURL string
	apiKey string
	client *http.Client
}

// NewClient creates a new push provider client.
func NewClient(apiURL, apiKey string) *Client {
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name identifies the provider in delivery analytics.
func (c *Client) Name() string { return "push-gateway" }

// sendRequest is the payload for the provider's send endpoint. The target is
// a user id; the provider resolves the user's registered device tokens.
type sendRequest struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// Send delivers one push notification to all devices of the target user.
func (c *Client) Send(ctx context.Context, userID, title, body string, data map[string]any) error {
	reqBody := sendRequest{
		UserID: userID,
		Title:  title,
		Body:   body,
		Data:   data,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push provider error: %s", resp.Status)
	}

	return nil
}
