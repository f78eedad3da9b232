package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/app"
	"github.com/veilswap/middleware/pkg/app/httpserver"
	"github.com/veilswap/middleware/pkg/cache"
	"github.com/veilswap/middleware/pkg/chain"
	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/custody"
	"github.com/veilswap/middleware/pkg/gas"
	"github.com/veilswap/middleware/pkg/listener"
	"github.com/veilswap/middleware/pkg/payout"
	"github.com/veilswap/middleware/pkg/pgutil"
	"github.com/veilswap/middleware/pkg/refund"
	swapservice "github.com/veilswap/middleware/pkg/swap/service"
	"github.com/veilswap/middleware/pkg/swapdb"
	"github.com/veilswap/middleware/pkg/trocador"
	"github.com/veilswap/middleware/pkg/wallet"
	"github.com/veilswap/middleware/pkg/webhook"
)

// Server holds cfg to init the worker process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new worker Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the worker engine and the operational HTTP server. It blocks
// until an OS shutdown signal is received or the ops server fails.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting swap worker")

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() { _ = db.Close() }()
	store := swapdb.NewStore(db)

	redisCache, err := cache.New(cfg.Redis.URL, "worker", logger)
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
	treasury := custody.NewTreasury(hdWallet, store, chains.Clients, logger)

	refunds := refund.NewPipeline(store, treasury, treasury, dispatcher, &cfg.Refund, logger)
	payouts := payout.NewExecutor(store, treasury, treasury, treasury, dispatcher, refunds, &cfg.Payout, logger)

	balances := make(map[string]listener.BalanceReader, len(chains.Clients))
	for name, client := range chains.Clients {
		balances[name] = client
	}
	deposits := listener.New(store, balances, provider, treasury, dispatcher, refunds,
		listener.NewStrategy(&cfg.Listener), cfg.Payout.BalanceTolerance, logger)

	swapSvc := swapservice.NewService(store, provider, hdWallet, estimator, dispatcher,
		redisCache, app.Protocols(cfg.Chains), &cfg.Swap, logger)

	engine := NewEngine(cfg, deposits, payouts, refunds, dispatcher, swapSvc, store, logger)
	engine.Start(ctx)
	defer engine.Stop()

	ops := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Monitoring.MetricsPort),
		Handler: s.opsRouter(db, redisCache, chains.Clients, logger),
	}
	return httpserver.ServeAndWait(ctx, logger, ops, cfg.Server.ShutdownTimeout)
}

// opsRouter serves health and metrics for the worker process.
func (s *Server) opsRouter(db interface {
	PingContext(ctx context.Context) error
}, redisCache *cache.Cache, clients map[string]chain.Client, logger *zap.Logger) http.Handler {
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

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", app.HealthHandler(checks, logger))
	r.Handle("/metrics", promhttp.Handler())
	return r
}
