// Package sms provides a client for sending text messages through an SMS
// gateway's HTTP API.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client represents an SMS gateway client.
type Client struct {
	apiURL string
	apiKey string
	sender string
	client *http.Client
}

// NewClient creates a new SMS gateway client.
func NewClient(apiURL, apiKey, sender string) *Client {
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		sender: sender,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name identifies the provider in delivery analytics.
func (c *Client) Name() string { return "sms-gateway" }

// sendMessageRequest is the payload for the gateway's message endpoint.
type sendMessageRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send submits one text message to the recipient phone number. The subject
// and metadata are unused for SMS.
func (c *Client) Send(ctx context.Context, to, _, body string, _ map[string]any) error {
	reqBody := sendMessageRequest{
		From: c.sender,
		To:   to,
		Text: body,
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("sms gateway error: %s", resp.Status)
	}

	return nil
}
