// Package authapi provides a client for the platform auth service. The
// gateway uses it to validate channel connection tokens; session issuance
// itself lives elsewhere.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrInvalidToken is returned when the auth service rejects a token.
var ErrInvalidToken = errors.New("invalid token")

// Client represents an auth service client.
type Client struct {
	validateURL string
	client      *http.Client
}

// NewClient creates a new auth service client.
func NewClient(validateURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		validateURL: validateURL,
		client:      &http.Client{Timeout: timeout},
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	UserID string `json:"user_id"`
}

// Validate checks the token against the auth service and returns the
// authenticated user id.
func (c *Client) Validate(ctx context.Context, token string) (string, error) {
	payload, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.validateURL, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service error: %s", resp.Status)
	}

	var res validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if res.UserID == "" {
		return "", ErrInvalidToken
	}

	return res.UserID, nil
}
