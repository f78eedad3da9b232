// Package api implements app.Runner for the API server process.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/app"
	apphttp "github.com/veilswap/middleware/pkg/app/http"
	"github.com/veilswap/middleware/pkg/auth"
	"github.com/veilswap/middleware/pkg/cache"
	"github.com/veilswap/middleware/pkg/chain"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/gas"
	"github.com/veilswap/middleware/pkg/pgutil"
	swapservice "github.com/veilswap/middleware/pkg/swap/service"
	"github.com/veilswap/middleware/pkg/swapdb"
	"github.com/veilswap/middleware/pkg/trocador"
	"github.com/veilswap/middleware/pkg/wallet"
	"github.com/veilswap/middleware/pkg/webhook"
	webhookservice "github.com/veilswap/middleware/pkg/webhook/service"
)

const defaultRequestTimeout = 60 * time.Second

// pinger is the slice of the database connection the health check needs.
type pinger interface {
	PingContext(ctx context.Context) error
}

// Server holds cfg to init the api server.
type Server struct {
	cfg *config.Config
}

// NewServer initializes new api server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("api server config is nil")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting API server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() { _ = db.Close() }()
	store := swapdb.NewStore(db)

	redisCache, err := cache.New(cfg.Redis.URL, "api", logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = redisCache.Close() }()

	chains, err := app.BuildChains(cfg.Chains, logger)
	if err != nil {
		return err
	}
	defer chains.Stop()

	hdWallet, err := wallet.New(cfg.Wallet.Mnemonic)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}

	estimator := gas.NewEstimator(redisCache, logger)
	app.RegisterGasSources(estimator, cfg.Chains, chains.Clients)

	provider := trocador.NewClient(&cfg.Provider, logger)
	dispatcher := webhook.NewDispatcher(store, &cfg.Webhook, logger)
	authSvc := auth.NewService(&cfg.Auth)

	swapSvc := swapservice.NewService(store, provider, hdWallet, estimator, dispatcher,
		redisCache, app.Protocols(cfg.Chains), &cfg.Swap, logger)
	webhookSvc := webhookservice.NewService(store, logger)

	router := s.setupRouter(
		swapservice.NewHandler(swapSvc, authSvc, logger),
		webhookservice.NewHandler(webhookSvc, authSvc, logger),
		db, redisCache, chains.Clients, logger,
	)

	return apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)
}

func (s *Server) setupRouter(
	swaps *swapservice.Handler,
	webhooks *webhookservice.Handler,
	db pinger,
	redisCache *cache.Cache,
	clients map[string]chain.Client,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultRequestTimeout))

	swaps.Routes(r)
	webhooks.Routes(r)

	checks := map[string]app.ComponentChecker{
		"database": db.PingContext,
		"redis":    redisCache.Ping,
	}
	for name, client := range clients {
		cl := client
		checks["chain_"+name] = func(ctx context.Context) error {
			_, err := cl.BlockHeight(ctx)
			return err
		}
	}
	r.Get("/health", app.HealthHandler(checks, logger))
	r.Handle("/metrics", promhttp.Handler())

	return r
}
