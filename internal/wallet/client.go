// Package wallet wraps the embedded-wallet identity provider: given a user
// identifier it provisions a wallet address and bearer credentials.
package wallet

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

type Credentials struct {
	WalletAddress string    `json:"wallet_address"`
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Provider interface {
	Provision(ctx context.Context, userRef string) (Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

type Client struct {
	cfg    config.Wallet
	http   *retryablehttp.Client
	logger *logrus.Logger
}

var _ Provider = (*Client)(nil)

func NewClient(cfg config.Wallet, logger *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{
		cfg:    cfg,
		http:   rc,
		logger: logger.WithField("pkg", "wallet.Client").Logger,
	}
}

func (c *Client) Provision(ctx context.Context, userRef string) (Credentials, error) {
	return c.post(ctx, "/v1/wallets", map[string]string{"user_ref": userRef})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	return c.post(ctx, "/v1/wallets/refresh", map[string]string{"refresh_token": refreshToken})
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (Credentials, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to marshal wallet request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to build wallet request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("wallet provider request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read wallet response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("wallet provider returned status %d: %s", res.StatusCode, string(raw))
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode wallet response: %w", err)
	}
	if creds.WalletAddress == "" {
		return Credentials{}, fmt.Errorf("wallet provider returned empty wallet address")
	}
	return creds, nil
}
