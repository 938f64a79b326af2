// Package main is the entry point for the nivora platform server.  It wires
// the swap aggregator, bridge selector, and lending services together and
// starts the HTTP mount alongside the WebSocket hub and background scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/nivora/platform/internal/bridge"
	"github.com/nivora/platform/internal/config"
	"github.com/nivora/platform/internal/dex"
	"github.com/nivora/platform/internal/domain"
	"github.com/nivora/platform/internal/eventbus"
	"github.com/nivora/platform/internal/ledger"
	"github.com/nivora/platform/internal/oracle"
	"github.com/nivora/platform/internal/repository"
	"github.com/nivora/platform/internal/scheduler"
	"github.com/nivora/platform/internal/service"
	"github.com/nivora/platform/internal/ws"
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting nivora platform server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Repositories ───────────────────────────────────────────────────────
	productRepo := repository.NewProductRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	loanRepo := repository.NewLoanRepository(db)
	routeRepo := repository.NewRouteRepository(db)
	transferRepo := repository.NewTransferRepository(db)

	// ── 5. Infrastructure ─────────────────────────────────────────────────────
	bus := eventbus.New(logger)
	ledgerClient := ledger.NewClient(&cfg.Ledger)
	prices := oracle.New(cfg)
	clock := domain.SystemClock{}

	// ── 6. DEX aggregation ────────────────────────────────────────────────────
	registry := dex.NewRegistry()
	for _, adapter := range dex.DefaultAdapters(prices) {
		registry.Register(adapter)
	}
	aggregator := dex.NewAggregator(registry, routeRepo, bus, &cfg.Dex, clock, logger)

	// ── 7. Bridge selection ───────────────────────────────────────────────────
	selector := bridge.NewSelector(bridge.DefaultBridges(), transferRepo, bus, &cfg.Bridge, clock, logger)

	// ── 8. Lending core ───────────────────────────────────────────────────────
	interestEngine := service.NewInterestEngine(productRepo, positionRepo, loanRepo, clock, logger)
	seller := service.NewDexCollateralSeller(aggregator, domain.ChainEthereum, logger)
	riskEngine := service.NewRiskEngine(loanRepo, interestEngine, prices, seller, ledgerClient, bus, &cfg.Lending, clock, logger)
	lendingSvc := service.NewLendingService(
		productRepo, positionRepo, loanRepo,
		ledgerClient, riskEngine, interestEngine, prices,
		bus, clock, logger,
	)

	// ── 9. WebSocket hub ──────────────────────────────────────────────────────
	jwtSecret := []byte(cfg.JWT.AccessSecret)
	var allowedOrigins []string
	if ori := os.Getenv("WS_ALLOWED_ORIGINS"); ori != "" {
		for _, o := range strings.Split(ori, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(o))
		}
	}
	hub := ws.NewHub(bus, jwtSecret, allowedOrigins)

	// ── 10. Root context + signal handling ────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run()
	logger.Info("websocket hub started")

	// ── 11. Scheduler ─────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(prices, aggregator, interestEngine, riskEngine, lendingSvc, selector, ledgerClient, cfg, logger)
	sched.Start(ctx)

	// ── 12. HTTP mount ────────────────────────────────────────────────────────
	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	// ── 13. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
