package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/types"
)

type onboardRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type onboardResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

// handleOnboard registers (or re-fetches) a user by phone number, provisions
// an embedded wallet plus an on-chain custody vault on first contact, and
// returns a bearer token. Re-running it is safe: provisioning only fills
// fields that are still empty.
func (s *Server) handleOnboard(c echo.Context) error {
	var req onboardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()

	user, err := s.store.CreateUser(ctx, req.Phone)
	if err != nil {
		if !errors.Is(err, postgres.ErrDuplicateKey) {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to create user")
		}
		user, err = s.store.GetUserByPhone(ctx, req.Phone)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to load user")
		}
	}

	if !user.Provisioned() {
		creds, err := s.wallets.Provision(ctx, user.ID.String())
		if err != nil {
			s.logger.Errorf("wallet provisioning failed for user %s: %v", user.ID, err)
			return echo.NewHTTPError(http.StatusBadGateway, "wallet provisioning failed")
		}

		vault, err := s.chain.CreateVault(ctx, creds.WalletAddress)
		if err != nil {
			s.logger.Errorf("vault creation failed for user %s: %v", user.ID, err)
			return echo.NewHTTPError(http.StatusBadGateway, "vault creation failed")
		}

		err = s.store.SetUserProvisioning(
			ctx, user.ID, creds.WalletAddress, vault,
			creds.AccessToken, creds.RefreshToken, creds.ExpiresAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist provisioning")
		}
		user.WalletAddress = creds.WalletAddress
		user.VaultAddress = vault
	} else if user.IdentityRefreshToken != "" &&
		user.IdentityTokenExpiry != nil && !user.IdentityTokenExpiry.After(time.Now()) {
		// Returning user with stale identity credentials: rotate them while
		// we hold the refresh token. Best effort, onboarding still succeeds
		// if the provider is down.
		creds, err := s.wallets.Refresh(ctx, user.IdentityRefreshToken)
		if err != nil {
			s.logger.Warnf("identity refresh failed for user %s: %v", user.ID, err)
		} else if err := s.store.SetUserProvisioning(
			ctx, user.ID, user.WalletAddress, user.VaultAddress,
			creds.AccessToken, creds.RefreshToken, creds.ExpiresAt); err != nil {
			s.logger.Errorf("failed to persist refreshed identity for user %s: %v", user.ID, err)
		}
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue token")
	}

	return c.JSON(http.StatusOK, onboardResponse{Token: token, User: user})
}
