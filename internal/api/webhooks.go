package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stride-fi/stride-backend/internal/payment"
	"github.com/stride-fi/stride-backend/internal/storage/postgres"
)

// handlePaymentWebhook records a capture event. The HMAC signature covers the
// raw body; replays of the same gateway transaction id are no-ops.
func (s *Server) handlePaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	signature := c.Request().Header.Get("X-Gateway-Signature")
	if !s.gateway.VerifySignature(body, signature) {
		s.metrics.CountWebhook("payment", "bad_signature")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var event payment.CaptureEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&event); err != nil {
		return err
	}

	if err := s.treasury.RecordCapture(c.Request().Context(), event); err != nil {
		s.metrics.CountWebhook("payment", "error")
		s.logger.Errorf("failed to record capture %s: %v", event.GatewayRef, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record payment")
	}

	s.metrics.CountWebhook("payment", "ok")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type chainEvent struct {
	VaultAddress string `json:"vault_address" validate:"required"`
	VaultIndex   *int64 `json:"vault_index,omitempty"`
	TxHash       string `json:"tx_hash" validate:"required"`
	EventType    string `json:"event_type" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=success failed"`
	AmountOut    int64  `json:"amount_out"`
	BlockNumber  int64  `json:"block_number"`
}

// handleChainWebhook consumes indexer events to backfill transactions whose
// confirmation wait was cut short. Events for unknown or already-settled
// hashes are acknowledged and dropped.
func (s *Server) handleChainWebhook(c echo.Context) error {
	var event chainEvent
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&event); err != nil {
		return err
	}

	ctx := c.Request().Context()
	tx, err := s.store.GetTransactionByHash(ctx, event.TxHash)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.metrics.CountWebhook("chain", "unknown_hash")
			return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if tx.Status.Terminal() {
		s.metrics.CountWebhook("chain", "already_settled")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	if event.Status == "success" {
		block := event.BlockNumber
		err = s.store.MarkTransactionSuccess(ctx, tx.ID, event.AmountOut, event.TxHash, &block)
	} else {
		err = s.store.MarkTransactionFailed(ctx, tx.ID, "on-chain execution failed (indexer)")
	}
	if err != nil {
		s.metrics.CountWebhook("chain", "error")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update transaction")
	}

	s.metrics.CountWebhook("chain", "ok")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunBatch(c echo.Context) error {
	result, err := s.engine.RunBatch(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "batch run failed")
	}
	return c.JSON(http.StatusOK, result)
}
