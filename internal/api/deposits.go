package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type createDepositRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"required,gt=0"`
}

// handleCreateDeposit opens a gateway order the client pays through UPI. No
// ledger entry is written here; the capture webhook records it later, keyed
// on the gateway's transaction id.
func (s *Server) handleCreateDeposit(c echo.Context) error {
	var req createDepositRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	userID, err := userIDFromCtx(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load user")
	}

	order, err := s.gateway.CreateOrder(ctx, req.AmountMinor, "dep:"+user.ID.String())
	if err != nil {
		s.logger.Errorf("gateway order failed for user %s: %v", user.ID, err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to create payment order")
	}

	return c.JSON(http.StatusCreated, order)
}
