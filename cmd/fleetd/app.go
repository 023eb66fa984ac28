package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/joshu-sajeev/fleetq/internal/cattle"
	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/events"
	"github.com/joshu-sajeev/fleetq/internal/job"
	"github.com/joshu-sajeev/fleetq/internal/launcher"
	"github.com/joshu-sajeev/fleetq/internal/policy"
	"github.com/joshu-sajeev/fleetq/internal/pool"
	"github.com/joshu-sajeev/fleetq/internal/provider"
	"github.com/joshu-sajeev/fleetq/internal/server"
	"github.com/joshu-sajeev/fleetq/internal/storage/postgres"
	"github.com/joshu-sajeev/fleetq/internal/worker"
)

type app struct {
	pool      *pool.WorkerPool
	servers   []*server.Server
	publisher events.Publisher
	logger    *slog.Logger
}

// newApp wires every component. Listeners are bound here so address
// problems surface before the pool starts leasing.
func newApp(cfg *config.AppConfig, db *gorm.DB, log *slog.Logger) (*app, error) {
	clk := clock.Real()

	publisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		return nil, err
	}

	jobs := postgres.NewJobRepository(db, clk)
	tokenRepo := postgres.NewTokenRepository(db, clk)

	tokens, err := cattle.NewTokenService(tokenRepo, cfg.Cattle.TokenHashKey, cfg.Cattle.TokenTTL, clk)
	if err != nil {
		publisher.Close()
		return nil, err
	}

	validator := policy.NewValidator(policy.Config{
		RunnerBin:    cfg.Worker.RunnerBin,
		CustomBinary: cfg.Worker.CustomAllowedBinary,
		CustomVerbs:  cfg.Worker.CustomAllowedVerbs,
	})
	runner := launcher.New()

	if err := os.MkdirAll(cfg.Worker.WorkspaceRoot, 0o750); err != nil {
		publisher.Close()
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	handlers := worker.NewHandlers(worker.HandlersConfig{
		WorkspaceRoot:  cfg.Worker.WorkspaceRoot,
		CommandTimeout: cfg.Worker.CommandTimeout,
		BootstrapURL:   bootstrapURL(cfg.Server),
	}, validator, runner, tokens, provider.NewCLIDriver(cfg.Provider.CLI, runner))

	workers := pool.NewWorkerPool(pool.Config{
		Count:           cfg.Worker.Count,
		IDPrefix:        cfg.Worker.IDPrefix,
		JanitorInterval: cfg.Worker.JanitorInterval,
		Worker: worker.Options{
			PollInterval:  cfg.Worker.PollInterval,
			LeaseDuration: cfg.Worker.LeaseDuration,
			LeaseRefresh:  cfg.Worker.LeaseRefresh,
		},
	}, jobs, worker.Registry(handlers), tokenRepo, clk, publisher, log.With(slog.String("component", "pool")))

	svc := job.NewJobService(jobs, validator, job.ServiceOptions{
		Clock:        clk,
		Publisher:    publisher,
		Logger:       log.With(slog.String("component", "jobs")),
		DefaultLease: cfg.Worker.LeaseDuration,
	})

	servers, err := newServers(cfg.Server, svc, tokens, log)
	if err != nil {
		publisher.Close()
		return nil, err
	}

	log.Info("fleetd ready",
		slog.Int("workers", cfg.Worker.Count),
		slog.String("control_socket", cfg.Server.ControlSocket),
		slog.Bool("cattle_api", cfg.Server.CattleAddr != ""),
	)

	return &app{pool: workers, servers: servers, publisher: publisher, logger: log}, nil
}

func newPublisher(cfg config.EventsConfig, log *slog.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		log.Info("AMQP_URL not set, job events are not published")
		return events.Noop{}, nil
	}
	pub, err := events.DialAMQP(cfg.AMQPURL, cfg.Exchange, log.With(slog.String("component", "events")))
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func newServers(cfg config.ServerConfig, svc job.JobServiceInterface, tokens cattle.Exchanger, log *slog.Logger) ([]*server.Server, error) {
	controlLn, err := server.ListenUnix(cfg.ControlSocket)
	if err != nil {
		return nil, err
	}
	controlLog := log.With(slog.String("component", "control"))
	servers := []*server.Server{
		server.New("control", controlLn, server.NewControlRouter(svc, controlLog), controlLog),
	}

	if cfg.CattleAddr == "" {
		return servers, nil
	}

	cattleLn, err := server.ListenCattle(cfg.CattleAddr)
	if err != nil {
		controlLn.Close()
		return nil, err
	}
	cattleLog := log.With(slog.String("component", "cattle"))
	servers = append(servers,
		server.New("cattle", cattleLn, server.NewCattleRouter(cattle.NewHandler(tokens, cattleLog), cattleLog), cattleLog),
	)
	return servers, nil
}

// bootstrapURL is the env endpoint handed to new instances.
func bootstrapURL(cfg config.ServerConfig) string {
	base := strings.TrimRight(cfg.CattlePublicURL, "/")
	if base == "" && cfg.CattleAddr != "" {
		base = "http://" + cfg.CattleAddr
	}
	if base == "" {
		return ""
	}
	return base + "/v1/cattle/env"
}
