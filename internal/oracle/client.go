// Package oracle fetches fiat and asset exchange rates. Failure is explicit:
// the client never serves a cached or fallback quote, because an approximate
// rate would misprice a real money movement.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
)

type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

type Oracle interface {
	// GetFiatRate returns fiat units per one stable unit (e.g. INR per USDC).
	GetFiatRate(ctx context.Context) (Quote, error)
	// GetAssetRate returns how many whole units of `to` one whole unit of
	// `from` buys.
	GetAssetRate(ctx context.Context, from, to string) (Quote, error)
}

type Client struct {
	cfg    config.Oracle
	http   *retryablehttp.Client
	logger *logrus.Logger
}

var _ Oracle = (*Client)(nil)

func NewClient(cfg config.Oracle, logger *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = nil

	return &Client{
		cfg:    cfg,
		http:   rc,
		logger: logger.WithField("pkg", "oracle.Client").Logger,
	}
}

type rateResponse struct {
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
}

func (c *Client) GetFiatRate(ctx context.Context) (Quote, error) {
	url := fmt.Sprintf("%s/v1/rates/%s/%s", c.cfg.BaseURL, c.cfg.FiatCurrency, c.cfg.StableSymbol)
	return c.fetch(ctx, url)
}

func (c *Client) GetAssetRate(ctx context.Context, from, to string) (Quote, error) {
	url := fmt.Sprintf("%s/v1/rates/%s/%s", c.cfg.BaseURL, from, to)
	return c.fetch(ctx, url)
}

func (c *Client) fetch(ctx context.Context, url string) (Quote, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to build oracle request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read oracle response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("oracle returned status %d: %s", res.StatusCode, string(body))
	}

	var r rateResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Quote{}, fmt.Errorf("failed to decode oracle response: %w", err)
	}

	rate, ok := new(big.Rat).SetString(r.Rate)
	if !ok || rate.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle returned invalid rate %q", r.Rate)
	}

	return Quote{
		Rate:      rate,
		Timestamp: time.Unix(r.Timestamp, 0),
	}, nil
}
