package config

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// AppConfig holds everything except the database connection, which is
// loaded by the storage layer.
type AppConfig struct {
	Worker   WorkerConfig
	Server   ServerConfig
	Cattle   CattleConfig
	Provider ProviderConfig
	Events   EventsConfig
	Log      LogConfig
}

type WorkerConfig struct {
	Count               int           `env:"WORKER_COUNT,default=4"`
	IDPrefix            string        `env:"WORKER_ID_PREFIX"`
	PollInterval        time.Duration `env:"WORKER_POLL_INTERVAL,default=2s"`
	LeaseDuration       time.Duration `env:"LEASE_DURATION,default=60s"`
	LeaseRefresh        time.Duration `env:"LEASE_REFRESH_INTERVAL,default=20s"`
	CommandTimeout      time.Duration `env:"COMMAND_TIMEOUT,default=30m"`
	JanitorInterval     time.Duration `env:"JANITOR_INTERVAL,default=1m"`
	WorkspaceRoot       string        `env:"WORKSPACE_ROOT,default=/var/lib/fleetq/workspaces"`
	RunnerBin           string        `env:"RUNNER_BIN,default=fleet"`
	CustomAllowedBinary string        `env:"CUSTOM_ALLOWED_BINARY,default=fleet"`
	CustomAllowedVerbs  []string      `env:"CUSTOM_ALLOWED_VERBS,default=status,doctor,sync,version"`
}

type ServerConfig struct {
	ControlSocket   string        `env:"CONTROL_SOCKET,default=/run/fleetq/control.sock"`
	CattleAddr      string        `env:"CATTLE_ADDR"`
	CattlePublicURL string        `env:"CATTLE_PUBLIC_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

type CattleConfig struct {
	TokenTTL     time.Duration `env:"CATTLE_TOKEN_TTL,default=30m"`
	TokenHashKey string        `env:"CATTLE_TOKEN_HASH_KEY"`
}

type ProviderConfig struct {
	CLI string `env:"PROVIDER_CLI,default=fleet-provider"`
}

type EventsConfig struct {
	AMQPURL  string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE,default=fleetq.jobs"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=console"`
}

// to help with testing
var envProcess = envconfig.Process

func Load(ctx context.Context) (*AppConfig, error) {
	var cfg AppConfig
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if cfg.Worker.IDPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Worker.IDPrefix = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errors []string

	w := c.Worker
	if w.Count < 1 || w.Count > 256 {
		errors = append(errors, "WORKER_COUNT must be between 1 and 256")
	}
	if w.PollInterval <= 0 {
		errors = append(errors, "WORKER_POLL_INTERVAL must be positive")
	}
	if w.LeaseDuration <= 0 {
		errors = append(errors, "LEASE_DURATION must be positive")
	}
	// A refresh at or beyond the lease would let a slow handler lose its lease mid-flight.
	if w.LeaseRefresh <= 0 || w.LeaseRefresh >= w.LeaseDuration {
		errors = append(errors, "LEASE_REFRESH_INTERVAL must be positive and shorter than LEASE_DURATION")
	}
	if w.CommandTimeout <= 0 {
		errors = append(errors, "COMMAND_TIMEOUT must be positive")
	}
	if w.JanitorInterval <= 0 {
		errors = append(errors, "JANITOR_INTERVAL must be positive")
	}
	if strings.TrimSpace(w.WorkspaceRoot) == "" {
		errors = append(errors, "WORKSPACE_ROOT is required")
	}
	if !isBareCommand(w.RunnerBin) {
		errors = append(errors, "RUNNER_BIN must be a bare command name")
	}
	if !isBareCommand(w.CustomAllowedBinary) {
		errors = append(errors, "CUSTOM_ALLOWED_BINARY must be a bare command name")
	}
	for _, verb := range w.CustomAllowedVerbs {
		if verb == "plugin" {
			errors = append(errors, "CUSTOM_ALLOWED_VERBS must not contain plugin")
		}
	}

	if strings.TrimSpace(c.Server.ControlSocket) == "" {
		errors = append(errors, "CONTROL_SOCKET is required")
	}
	if c.Server.CattleAddr != "" {
		if err := CheckCattleAddr(c.Server.CattleAddr); err != nil {
			errors = append(errors, err.Error())
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		errors = append(errors, "SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Cattle.TokenTTL <= 0 {
		errors = append(errors, "CATTLE_TOKEN_TTL must be positive")
	}
	if len(c.Cattle.TokenHashKey) < 16 {
		errors = append(errors, "CATTLE_TOKEN_HASH_KEY must be at least 16 characters")
	}

	if !isBareCommand(c.Provider.CLI) {
		errors = append(errors, "PROVIDER_CLI must be a bare command name")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errors = append(errors, "LOG_FORMAT must be console or json")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// CheckCattleAddr rejects bind addresses that would expose secret material on
// every interface. The address must name a concrete private IP; the server
// additionally checks it is assigned to a local interface at startup.
func CheckCattleAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("CATTLE_ADDR %q is not host:port", addr)
	}
	if port == "" {
		return fmt.Errorf("CATTLE_ADDR %q has no port", addr)
	}
	if host == "" {
		return fmt.Errorf("CATTLE_ADDR %q binds a wildcard address", addr)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("CATTLE_ADDR host %q must be an IP address", host)
	}
	ip = ip.Unmap().WithZone("")
	if ip.IsUnspecified() {
		return fmt.Errorf("CATTLE_ADDR %q binds a wildcard address", addr)
	}
	if !IsOverlayAddr(ip) {
		return fmt.Errorf("CATTLE_ADDR %q is not a private overlay address", addr)
	}
	return nil
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// IsOverlayAddr reports whether ip belongs to a private or overlay network
// (RFC1918, ULA, CGNAT used by tailnets) or loopback.
func IsOverlayAddr(ip netip.Addr) bool {
	return ip.IsPrivate() || ip.IsLoopback() || cgnat.Contains(ip)
}

func isBareCommand(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.ContainsAny(name, "/\\ \t\n") && !strings.HasPrefix(name, "-")
}
