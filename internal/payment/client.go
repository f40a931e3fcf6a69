// Package payment wraps the UPI gateway: order creation out, capture webhooks
// in. Webhook bodies are authenticated with an HMAC-SHA256 signature over the
// raw payload.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
)

type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// CaptureEvent is the webhook body the gateway posts on capture or failure.
// GatewayRef is the gateway's transaction id and the idempotency key.
type CaptureEvent struct {
	Payer       string `json:"payer" validate:"required"`
	AmountMinor int64  `json:"amount" validate:"required,gt=0"`
	GatewayRef  string `json:"transaction_id" validate:"required"`
	Status      string `json:"status" validate:"required,oneof=success failed"`
}

type Gateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, receipt string) (Order, error)
	VerifySignature(body []byte, signature string) bool
}

type Client struct {
	cfg    config.Payment
	http   *retryablehttp.Client
	logger *logrus.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg config.Payment, logger *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{
		cfg:    cfg,
		http:   rc,
		logger: logger.WithField("pkg", "payment.Client").Logger,
	}
}

func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, receipt string) (Order, error) {
	payload, err := json.Marshal(map[string]any{
		"amount":   amountMinor,
		"currency": "INR",
		"receipt":  receipt,
	})
	if err != nil {
		return Order{}, fmt.Errorf("failed to marshal order request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return Order{}, fmt.Errorf("failed to build order request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return Order{}, fmt.Errorf("gateway order request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Order{}, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Order{}, fmt.Errorf("gateway returned status %d: %s", res.StatusCode, string(body))
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return Order{}, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return order, nil
}

// VerifySignature checks the webhook HMAC in constant time.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
