package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joshu-sajeev/fleetq/internal/cattle"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/dto"
	"github.com/joshu-sajeev/fleetq/internal/launcher"
	"github.com/joshu-sajeev/fleetq/internal/models"
	"github.com/joshu-sajeev/fleetq/internal/policy"
	"github.com/joshu-sajeev/fleetq/internal/provider"
)

// outputTailBytes bounds the command output kept in a job result.
const outputTailBytes = 4 << 10

// Handler executes one leased job. The returned value is stored as the job
// result.
type Handler func(ctx context.Context, job *models.Job) (any, error)

// HandlerSet has one method per job kind. Adding a kind without a method
// breaks the build at the assertion below.
type HandlerSet interface {
	ProjectInit(ctx context.Context, job *models.Job) (any, error)
	RepoImport(ctx context.Context, job *models.Job) (any, error)
	CattleSpawn(ctx context.Context, job *models.Job) (any, error)
	CattleDestroy(ctx context.Context, job *models.Job) (any, error)
	HostLockdown(ctx context.Context, job *models.Job) (any, error)
	Custom(ctx context.Context, job *models.Job) (any, error)
}

func Registry(set HandlerSet) map[config.JobKind]Handler {
	return map[config.JobKind]Handler{
		config.KindProjectInit:   set.ProjectInit,
		config.KindRepoImport:    set.RepoImport,
		config.KindCattleSpawn:   set.CattleSpawn,
		config.KindCattleDestroy: set.CattleDestroy,
		config.KindHostLockdown:  set.HostLockdown,
		config.KindCustom:        set.Custom,
	}
}

type TokenIssuer interface {
	Issue(ctx context.Context, req cattle.IssueRequest) (string, time.Time, error)
}

type HandlersConfig struct {
	WorkspaceRoot  string
	CommandTimeout time.Duration
	BootstrapURL   string
}

type Handlers struct {
	cfg      HandlersConfig
	policy   *policy.Validator
	launcher launcher.Launcher
	tokens   TokenIssuer
	driver   provider.Driver
	validate *validator.Validate
}

var _ HandlerSet = (*Handlers)(nil)

func NewHandlers(cfg HandlersConfig, v *policy.Validator, l launcher.Launcher, tokens TokenIssuer, driver provider.Driver) *Handlers {
	return &Handlers{
		cfg:      cfg,
		policy:   v,
		launcher: l,
		tokens:   tokens,
		driver:   driver,
		validate: validator.New(),
	}
}

// CommandResult is stored for project_init, repo_import and custom jobs.
type CommandResult struct {
	Exec       string   `json:"exec"`
	Args       []string `json:"args"`
	ExitCode   int      `json:"exitCode"`
	DurationMs int64    `json:"durationMs"`
	OutputTail string   `json:"outputTail,omitempty"`
}

type SpawnResult struct {
	InstanceID     string    `json:"instanceId"`
	Address        string    `json:"address,omitempty"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

type InstanceResult struct {
	InstanceID string   `json:"instanceId"`
	Action     string   `json:"action"`
	AllowCIDRs []string `json:"allowCidrs,omitempty"`
}

func (h *Handlers) ProjectInit(ctx context.Context, job *models.Job) (any, error) {
	return h.runCommand(ctx, job)
}

func (h *Handlers) RepoImport(ctx context.Context, job *models.Job) (any, error) {
	return h.runCommand(ctx, job)
}

func (h *Handlers) Custom(ctx context.Context, job *models.Job) (any, error) {
	return h.runCommand(ctx, job)
}

// runCommand resolves the job inside a fresh per-attempt workspace and runs
// it.
func (h *Handlers) runCommand(ctx context.Context, job *models.Job) (any, error) {
	kind := config.JobKind(job.Kind)
	root := filepath.Join(h.cfg.WorkspaceRoot, job.ID, strconv.Itoa(job.Attempt))

	dir, err := h.policy.WorkDir(kind, json.RawMessage(job.PayloadMeta), root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	cmd, err := h.policy.Resolve(kind, json.RawMessage(job.PayloadMeta), root)
	if err != nil {
		return nil, err
	}

	if h.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CommandTimeout)
		defer cancel()
	}

	res, err := h.launcher.Run(ctx, launcher.Command{Exec: cmd.Exec, Args: cmd.Args, Dir: cmd.Dir})
	if err != nil {
		return nil, err
	}

	return CommandResult{
		Exec:       cmd.Exec,
		Args:       cmd.Args,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		OutputTail: launcher.Tail(res.Stdout, outputTailBytes),
	}, nil
}

func (h *Handlers) CattleSpawn(ctx context.Context, job *models.Job) (any, error) {
	var p dto.CattleSpawnPayload
	if err := h.decode(job.Payload, &p); err != nil {
		return nil, err
	}

	token, expiresAt, err := h.tokens.Issue(ctx, cattle.IssueRequest{
		JobID:     job.ID,
		PublicEnv: p.PublicEnv,
		EnvKeys:   p.EnvKeys,
		TTL:       time.Duration(p.TokenTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("issue bootstrap token: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inst, err := h.driver.Create(ctx, provider.SpawnRequest{
		JobID:          job.ID,
		Name:           p.Name,
		ServerType:     p.ServerType,
		Image:          p.Image,
		Region:         p.Region,
		Labels:         p.Labels,
		BootstrapToken: token,
		BootstrapURL:   h.cfg.BootstrapURL,
	})
	if err != nil {
		return nil, err
	}

	return SpawnResult{InstanceID: inst.ID, Address: inst.Address, TokenExpiresAt: expiresAt}, nil
}

func (h *Handlers) CattleDestroy(ctx context.Context, job *models.Job) (any, error) {
	var p dto.CattleDestroyPayload
	if err := h.decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if err := h.driver.Destroy(ctx, p.InstanceID); err != nil {
		return nil, err
	}
	return InstanceResult{InstanceID: p.InstanceID, Action: "destroyed"}, nil
}

func (h *Handlers) HostLockdown(ctx context.Context, job *models.Job) (any, error) {
	var p dto.HostLockdownPayload
	if err := h.decode(job.Payload, &p); err != nil {
		return nil, err
	}
	if err := h.driver.Lockdown(ctx, p.InstanceID, p.AllowCIDRs); err != nil {
		return nil, err
	}
	return InstanceResult{InstanceID: p.InstanceID, Action: "locked down", AllowCIDRs: p.AllowCIDRs}, nil
}

func (h *Handlers) decode(raw []byte, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", models.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if err := h.validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return nil
}
