// The escrow service holds buyer payments for marketplace orders from
// authorization hold through escrow to seller payout or refund.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kelseyhightower/envconfig"

	commonapi "marketpay/internal/common/api"
	"marketpay/internal/common/database"
	"marketpay/internal/common/middleware"
	natsclient "marketpay/internal/common/nats"
	"marketpay/internal/escrow"
	escrowapi "marketpay/internal/escrow/api"
	"marketpay/internal/escrow/store"
	"marketpay/internal/gateway"
	"marketpay/internal/orders"
)

type config struct {
	Addr            string        `envconfig:"ESCROW_ADDR" default:":8084"`
	ShutdownTimeout time.Duration `envconfig:"ESCROW_SHUTDOWN_TIMEOUT" default:"15s"`

	Database database.Config
	NATS     natsclient.Config
	Gateway  gateway.Config
	Orders   orders.Config
	Escrow   escrow.Config
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("service exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(cfg.Database, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, "ESCROW", []string{"escrow.>"}); err != nil {
		return fmt.Errorf("ensuring event stream: %w", err)
	}

	st := store.NewPostgres(db)
	adapter := gateway.NewAdapter(cfg.Gateway)
	deliveries := orders.NewClient(cfg.Orders)
	publisher := natsclient.NewPublisher(nc, logger)

	svc := escrow.NewService(cfg.Escrow, st, adapter, deliveries, publisher, logger)
	reconciler := escrow.NewReconciler(svc, logger)
	sweeper := escrow.NewSweeper(svc, logger)

	go reconciler.Run(ctx)
	go sweeper.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.ActorExtractor)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.HealthCheck(req.Context()); err != nil {
			commonapi.WriteError(w, http.StatusServiceUnavailable, commonapi.ErrCodeInternalError, "database unavailable")
			return
		}
		if err := nc.HealthCheck(); err != nil {
			commonapi.WriteError(w, http.StatusServiceUnavailable, commonapi.ErrCodeInternalError, "nats unavailable")
			return
		}
		commonapi.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	escrowapi.NewHandler(svc, reconciler, adapter, logger).Routes(r)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow service listening", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}
