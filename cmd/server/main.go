package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gestionpro/backend/internal/barcode"
	"gestionpro/backend/internal/cache"
	"gestionpro/backend/internal/config"
	"gestionpro/backend/internal/httpapi"
	"gestionpro/backend/internal/logger"
	"gestionpro/backend/internal/service"
	"gestionpro/backend/internal/store"
	"gestionpro/backend/internal/store/memory"
	pgstore "gestionpro/backend/internal/store/postgres"
	sqlitestore "gestionpro/backend/internal/store/sqlite"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gestionpro",
		Short:         "GestionPro point-of-sale backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending schema migrations and exit",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "backfill-tickets",
			Short: "Number sales and returns recorded before ticket numbers existed",
			RunE:  runBackfill,
		},
	)
	return root
}

// app holds what every command needs. close releases it in reverse order.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	repo    store.Repository
	closers []func() error
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Development: cfg.Development(),
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() error {
		// stderr sync fails on some platforms; nothing to do about it.
		_ = log.Sync()
		return nil
	})

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.repo = repo
	if closeRepo != nil {
		a.closers = append(a.closers, closeRepo)
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close error", zap.Error(err))
		}
	}
	a.closers = nil
}

func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func() error, error) {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.DBDriver {
	case config.DriverPostgres:
		pg, err := pgstore.New(openCtx, cfg.DatabaseURL, log.Named("postgres"))
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable: %w", err)
		}
		log.Info("repository ready", zap.String("driver", cfg.DBDriver))
		return pg, pg.Close, nil
	case config.DriverSQLite:
		lite, err := sqlitestore.Open(openCtx, cfg.DBPath, log.Named("sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite %s: %w", cfg.DBPath, err)
		}
		log.Info("repository ready", zap.String("driver", cfg.DBDriver), zap.String("path", cfg.DBPath))
		return lite, lite.Close, nil
	default:
		log.Warn("repository: in-memory, data is lost on restart")
		return memory.NewSeeded(), nil, nil
	}
}

// buildService wires the caches. Without Redis, product lookups go straight
// to the store and dedup windows live in process.
func (a *app) buildService(ctx context.Context) *service.Service {
	opts := service.Options{
		Location:        a.cfg.Location(),
		ProductCacheTTL: a.cfg.ProductCacheTTL(),
		DedupWindow:     a.cfg.ScanDedupWindow(),
		DefaultTerminal: a.cfg.TerminalID,
		Logger:          a.logger.Named("service"),
	}

	if a.cfg.RedisAddr == "" {
		a.logger.Info("cache: none")
		return service.New(a.repo, opts)
	}

	client := cache.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	products := cache.NewRedisProductCache(client)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := products.Ping(pingCtx); err != nil {
		a.logger.Warn("redis unavailable, running without cache", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return service.New(a.repo, opts)
	}

	a.closers = append(a.closers, client.Close)
	window := a.cfg.ScanDedupWindow()
	opts.ProductCache = products
	opts.Windows = func(terminalID string) barcode.Window {
		return cache.NewRedisScanWindow(client, terminalID, window)
	}
	a.logger.Info("cache: redis", zap.String("addr", a.cfg.RedisAddr))
	return service.New(a.repo, opts)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	svc := a.buildService(cmd.Context())
	api := httpapi.New(svc, a.cfg.AllowedOrigin, a.logger.Named("http"))

	server := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", a.cfg.Address()), zap.String("terminal_id", a.cfg.TerminalID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
	case err := <-errCh:
		a.logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown error", zap.Error(err))
	}
	a.logger.Info("server stopped")
	return nil
}

// runMigrate opens the configured store, which applies pending migrations.
func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.DBDriver == config.DriverMemory {
		a.logger.Info("memory driver has no schema")
	}
	return nil
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.buildService(cmd.Context()).BackfillTickets(cmd.Context())
	if err != nil {
		return fmt.Errorf("backfill stopped after %d sales and %d returns: %w", res.Sales, res.Returns, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "numbered %d sales and %d returns\n", res.Sales, res.Returns)
	return nil
}
