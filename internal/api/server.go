package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stride-fi/stride-backend/config"
	"github.com/stride-fi/stride-backend/internal/chain"
	"github.com/stride-fi/stride-backend/internal/engine"
	"github.com/stride-fi/stride-backend/internal/metrics"
	"github.com/stride-fi/stride-backend/internal/payment"
	"github.com/stride-fi/stride-backend/internal/treasury"
	"github.com/stride-fi/stride-backend/internal/types"
	"github.com/stride-fi/stride-backend/internal/wallet"
)

// Store is the slice of the ledger store the HTTP handlers touch.
type Store interface {
	CreateUser(ctx context.Context, phone string) (types.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetUserByPhone(ctx context.Context, phone string) (types.User, error)
	SetUserProvisioning(ctx context.Context, id uuid.UUID, walletAddr, vault, token, refreshToken string, tokenExpiry time.Time) error

	CreatePlan(ctx context.Context, p types.Plan) (types.Plan, error)
	GetPlanByID(ctx context.Context, id uuid.UUID) (types.Plan, error)
	ListPlansByUser(ctx context.Context, userID uuid.UUID) ([]types.Plan, error)
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, status types.PlanStatus) error
	UpdatePlanTerms(ctx context.Context, id uuid.UUID, amountMinor int64, freq types.Frequency, intervalSeconds int64) error
	SetPlanVaultIndex(ctx context.Context, id uuid.UUID, index int64) error

	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]types.Transaction, error)
	ListReceiptsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]types.Receipt, error)
	GetTransactionByHash(ctx context.Context, hash string) (types.Transaction, error)
	MarkTransactionSuccess(ctx context.Context, id uuid.UUID, outputAmount int64, hash string, blockNumber *int64) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type Server struct {
	cfg      *config.Config
	store    Store
	engine   *engine.Engine
	treasury *treasury.Service
	gateway  payment.Gateway
	wallets  wallet.Provider
	chain    chain.Chain
	metrics  *metrics.EngineMetrics
	logger   *logrus.Logger
}

func NewServer(
	cfg *config.Config,
	store Store,
	eng *engine.Engine,
	treasurySvc *treasury.Service,
	gateway payment.Gateway,
	wallets wallet.Provider,
	onchain chain.Chain,
	m *metrics.EngineMetrics,
	logger *logrus.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		engine:   eng,
		treasury: treasurySvc,
		gateway:  gateway,
		wallets:  wallets,
		chain:    onchain,
		metrics:  m,
		logger:   logger.WithField("pkg", "api.Server").Logger,
	}
}

type requestValidator struct {
	validator *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	if err := v.validator.Struct(i); err != nil {
		return echo.NewHTTPError(400, err.Error())
	}
	return nil
}

func (s *Server) StartServer() error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.Validator = &requestValidator{validator: validator.New()}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/webhooks/payment", s.handlePaymentWebhook)
	e.POST("/webhooks/chain", s.handleChainWebhook)

	e.POST("/admin/batch/run", s.handleRunBatch, s.adminAuth)

	e.POST("/users/onboard", s.handleOnboard)

	authed := e.Group("", s.userAuth)
	authed.POST("/deposits", s.handleCreateDeposit)
	authed.POST("/plans", s.handleCreatePlan)
	authed.GET("/plans", s.handleListPlans)
	authed.GET("/plans/:id", s.handleGetPlan)
	authed.POST("/plans/:id/pause", s.handlePausePlan)
	authed.POST("/plans/:id/resume", s.handleResumePlan)
	authed.POST("/plans/:id/cancel", s.handleCancelPlan)
	authed.PATCH("/plans/:id", s.handleUpdatePlan)
	authed.GET("/transactions", s.handleListTransactions)
	authed.GET("/receipts", s.handleListReceipts)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Infof("api server listening on %s", addr)
	return e.Start(addr)
}
