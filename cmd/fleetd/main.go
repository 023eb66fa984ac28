// fleetd runs the job queue: the worker pool, the control API on a unix
// socket and, when CATTLE_ADDR is set, the cattle bootstrap API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/logger"
	"github.com/joshu-sajeev/fleetq/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		migrateOnly bool
	)

	flagSet := pflag.NewFlagSet("fleetd", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply database migrations and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)

	dbCfg, err := postgres.LoadConfigFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.ConnectDB(ctx, dbCfg, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	if migrateOnly {
		log.Info("migrations applied")
		return nil
	}

	app, err := newApp(cfg, db, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.publisher.Close(); err != nil {
			log.Warn("closing event publisher", slog.Any("error", err))
		}
	}()

	return app.serve(ctx, cfg.Server.ShutdownTimeout)
}

// serve runs until ctx is canceled or a listener fails, then shuts down in
// order: dispatch, in-flight jobs, HTTP servers.
func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	a.pool.Start(gctx)
	for _, srv := range a.servers {
		g.Go(srv.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Servers go first so long-poll leases end before the pool drains.
		var errs []error
		for _, srv := range a.servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.pool.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err != nil {
		a.logger.Error("shutdown incomplete", slog.Any("error", err))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
