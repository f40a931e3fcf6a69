package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stride-fi/stride-backend/internal/storage/postgres"
	"github.com/stride-fi/stride-backend/internal/types"
)

type createPlanRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Frequency   string `json:"frequency" validate:"required"`
	TargetAsset string `json:"target_asset" validate:"required"`
}

func (s *Server) handleCreatePlan(c echo.Context) error {
	userID, err := userIDFromCtx(c)
	if err != nil {
		return err
	}

	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	freq := types.Frequency(req.Frequency)
	interval, err := freq.Interval()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown frequency")
	}

	ctx := c.Request().Context()
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load user")
	}
	if !user.Provisioned() {
		return echo.NewHTTPError(http.StatusConflict, "user wallet not provisioned yet")
	}

	existing, err := s.store.ListPlansByUser(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list plans")
	}

	plan, err := s.store.CreatePlan(ctx, types.Plan{
		UserID:          userID,
		AmountMinor:     req.AmountMinor,
		Frequency:       freq,
		IntervalSeconds: int64(interval / time.Second),
		TargetAsset:     req.TargetAsset,
		VaultAddress:    user.VaultAddress,
		Status:          types.PlanStatusActive,
		NextExecution:   time.Now().UTC().Add(interval),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create plan")
	}

	// Vault slots are numbered in creation order. The unique index on
	// (vault_address, vault_index) rejects a concurrent double-assign.
	index := int64(len(existing))
	if err := s.store.SetPlanVaultIndex(ctx, plan.ID, index); err != nil {
		s.logger.Errorf("failed to assign vault index for plan %s: %v", plan.ID, err)
	} else {
		plan.VaultIndex = &index
	}

	return c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c echo.Context) error {
	userID, err := userIDFromCtx(c)
	if err != nil {
		return err
	}
	plans, err := s.store.ListPlansByUser(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list plans")
	}
	return c.JSON(http.StatusOK, plans)
}

func (s *Server) handleGetPlan(c echo.Context) error {
	plan, err := s.ownedPlan(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) handlePausePlan(c echo.Context) error {
	return s.setPlanStatus(c, types.PlanStatusActive, types.PlanStatusPaused)
}

func (s *Server) handleResumePlan(c echo.Context) error {
	return s.setPlanStatus(c, types.PlanStatusPaused, types.PlanStatusActive)
}

func (s *Server) handleCancelPlan(c echo.Context) error {
	plan, err := s.ownedPlan(c)
	if err != nil {
		return err
	}
	if plan.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "plan already finished")
	}
	if err := s.store.UpdatePlanStatus(c.Request().Context(), plan.ID, types.PlanStatusCancelled); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel plan")
	}
	plan.Status = types.PlanStatusCancelled
	return c.JSON(http.StatusOK, plan)
}

type updatePlanRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Frequency   string `json:"frequency" validate:"required"`
}

// handleUpdatePlan changes the recurring amount and cadence. The new interval
// applies from the next execution; the already-scheduled one keeps its slot.
func (s *Server) handleUpdatePlan(c echo.Context) error {
	plan, err := s.ownedPlan(c)
	if err != nil {
		return err
	}
	if plan.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "plan already finished")
	}

	var req updatePlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	freq := types.Frequency(req.Frequency)
	interval, err := freq.Interval()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown frequency")
	}

	err = s.store.UpdatePlanTerms(
		c.Request().Context(), plan.ID, req.AmountMinor, freq, int64(interval/time.Second))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update plan")
	}

	plan.AmountMinor = req.AmountMinor
	plan.Frequency = freq
	plan.IntervalSeconds = int64(interval / time.Second)
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) setPlanStatus(c echo.Context, from, to types.PlanStatus) error {
	plan, err := s.ownedPlan(c)
	if err != nil {
		return err
	}
	if plan.Status != from {
		return echo.NewHTTPError(http.StatusConflict, "plan is "+string(plan.Status))
	}
	if err := s.store.UpdatePlanStatus(c.Request().Context(), plan.ID, to); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update plan status")
	}
	plan.Status = to
	return c.JSON(http.StatusOK, plan)
}

func (s *Server) ownedPlan(c echo.Context) (types.Plan, error) {
	userID, err := userIDFromCtx(c)
	if err != nil {
		return types.Plan{}, err
	}
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return types.Plan{}, echo.NewHTTPError(http.StatusBadRequest, "invalid plan id")
	}

	plan, err := s.store.GetPlanByID(c.Request().Context(), planID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return types.Plan{}, echo.NewHTTPError(http.StatusNotFound, "plan not found")
		}
		return types.Plan{}, echo.NewHTTPError(http.StatusInternalServerError, "failed to load plan")
	}
	if plan.UserID != userID {
		return types.Plan{}, echo.NewHTTPError(http.StatusNotFound, "plan not found")
	}
	return plan, nil
}

func (s *Server) handleListTransactions(c echo.Context) error {
	userID, err := userIDFromCtx(c)
	if err != nil {
		return err
	}
	txs, err := s.store.ListTransactionsByUser(c.Request().Context(), userID, listLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list transactions")
	}
	return c.JSON(http.StatusOK, txs)
}

func (s *Server) handleListReceipts(c echo.Context) error {
	userID, err := userIDFromCtx(c)
	if err != nil {
		return err
	}
	receipts, err := s.store.ListReceiptsByUser(c.Request().Context(), userID, listLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list receipts")
	}
	return c.JSON(http.StatusOK, receipts)
}

func listLimit(c echo.Context) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
