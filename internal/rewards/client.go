// Package rewards reports investment events to the external campaign engine
// and receives the token-point credit for each.
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
)

type Engine interface {
	// ReportEvent submits an event and returns the points to credit. The
	// campaign engine dedupes on event id as well, but callers still guard
	// with the local rewards table.
	ReportEvent(ctx context.Context, eventID, eventType, userRef string, amount int64, at time.Time) (int64, error)
}

type Client struct {
	cfg    config.Rewards
	http   *retryablehttp.Client
	logger *logrus.Logger
}

var _ Engine = (*Client)(nil)

func NewClient(cfg config.Rewards, logger *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{
		cfg:    cfg,
		http:   rc,
		logger: logger.WithField("pkg", "rewards.Client").Logger,
	}
}

func (c *Client) ReportEvent(ctx context.Context, eventID, eventType, userRef string, amount int64, at time.Time) (int64, error) {
	payload, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"user_ref":   userRef,
		"amount":     amount,
		"occurred":   at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal reward event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.BaseURL+"/v1/events", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build reward request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("campaign engine request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read campaign engine response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("campaign engine returned status %d: %s", res.StatusCode, string(raw))
	}

	var out struct {
		Points int64 `json:"points"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("failed to decode campaign engine response: %w", err)
	}
	return out.Points, nil
}
