package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/dto"
	"github.com/joshu-sajeev/fleetq/internal/events"
	"github.com/joshu-sajeev/fleetq/internal/leasewait"
	"github.com/joshu-sajeev/fleetq/internal/models"
	"github.com/joshu-sajeev/fleetq/internal/policy"
)

// DefaultRequester is recorded when an enqueue request names no requester.
const DefaultRequester = "local"

// MaxFailMessageLen caps failure messages reported by external runners.
const MaxFailMessageLen = 1000

// CommandChecker validates a command kind's payloadMeta without touching the
// filesystem, and resolves the command handed to external runners.
type CommandChecker interface {
	Validate(kind config.JobKind, meta json.RawMessage) error
	RunnerCommand(kind config.JobKind, meta json.RawMessage) policy.Resolution
}

type ServiceOptions struct {
	Clock        clock.Clock
	Publisher    events.Publisher
	Logger       *slog.Logger
	DefaultLease time.Duration
}

type JobService struct {
	repo         JobRepoInterface
	policy       CommandChecker
	clock        clock.Clock
	publisher    events.Publisher
	logger       *slog.Logger
	defaultLease time.Duration
}

func NewJobService(repo JobRepoInterface, checker CommandChecker, opts ServiceOptions) *JobService {
	s := &JobService{
		repo:         repo,
		policy:       checker,
		clock:        opts.Clock,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		defaultLease: opts.DefaultLease,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.defaultLease <= 0 {
		s.defaultLease = time.Minute
	}
	return s
}

var _ JobServiceInterface = (*JobService)(nil)

// Enqueue validates the request, including the command policy for command
// kinds, and persists a queued job. A repeated idempotency key returns the
// original job with Deduplicated set.
func (s *JobService) Enqueue(ctx context.Context, req *dto.JobCreateDTO) (*dto.EnqueueResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request canceled or timed out")
	}

	kind := config.JobKind(req.Kind)
	if !kind.Valid() {
		return nil, common.NewAPIError(
			http.StatusBadRequest,
			"invalid job kind",
			map[string]any{
				"provided": req.Kind,
				"allowed":  config.AllJobKinds,
			},
		)
	}

	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, common.Errf(http.StatusBadRequest, "payload must be valid JSON")
	}
	if len(req.PayloadMeta) > 0 && !json.Valid(req.PayloadMeta) {
		return nil, common.Errf(http.StatusBadRequest, "payloadMeta must be valid JSON")
	}

	if kind.RunsCommand() {
		if err := s.policy.Validate(kind, req.PayloadMeta); err != nil {
			return nil, common.Errf(http.StatusBadRequest, "%s", err.Error())
		}
	} else if err := validateProviderPayload(kind, req.Payload); err != nil {
		return nil, err
	}

	job := models.Job{
		Kind:        req.Kind,
		Payload:     datatypes.JSON(req.Payload),
		PayloadMeta: datatypes.JSON(req.PayloadMeta),
		Requester:   strings.TrimSpace(req.Requester),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if job.Requester == "" {
		job.Requester = DefaultRequester
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = config.DefaultMaxAttempts
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	if req.RunAt != nil {
		job.RunAt = req.RunAt.UTC()
	}

	created, deduplicated, err := s.repo.Enqueue(ctx, &job)
	if err != nil {
		return nil, s.mapError(err, "failed to enqueue job")
	}

	if !deduplicated {
		s.logger.Info("job enqueued",
			slog.String("job_id", created.ID),
			slog.String("kind", created.Kind),
			slog.String("requester", created.Requester),
		)
		s.emit(ctx, events.JobEnqueued, created, "", "")
	}

	return &dto.EnqueueResponse{
		ProtocolVersion: common.ProtocolVersion,
		JobID:           created.ID,
		Status:          created.Status,
		Deduplicated:    deduplicated,
	}, nil
}

// GetJobByID retrieves a job including its payload and result.
func (s *JobService) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, s.mapError(err, "failed to get job")
	}

	resp := toResponseDTO(job)
	return &resp, nil
}

// ListJobs filters jobs by requester, status and kind. Status and kind take
// comma separated lists.
func (s *JobService) ListJobs(ctx context.Context, query dto.ListJobsQuery) ([]dto.JobResponseDTO, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	if query.Limit < 0 || query.Limit > config.MaxListLimit {
		return nil, common.NewAPIError(http.StatusBadRequest, "invalid limit", map[string]any{
			"provided": query.Limit,
			"max":      config.MaxListLimit,
		})
	}

	filter := models.ListFilter{
		Requester: strings.TrimSpace(query.Requester),
		Limit:     query.Limit,
	}
	for _, st := range splitList(query.Status) {
		if !config.JobStatus(st).Valid() {
			return nil, common.NewAPIError(http.StatusBadRequest, "invalid status", map[string]any{
				"provided": st,
				"allowed":  config.AllJobStatuses,
			})
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, k := range splitList(query.Kind) {
		if !config.JobKind(k).Valid() {
			return nil, common.NewAPIError(http.StatusBadRequest, "invalid job kind", map[string]any{
				"provided": k,
				"allowed":  config.AllJobKinds,
			})
		}
		filter.Kinds = append(filter.Kinds, k)
	}

	jobs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, s.mapError(err, "failed to list jobs")
	}

	dtos := make([]dto.JobResponseDTO, len(jobs))
	for i := range jobs {
		dtos[i] = toResponseDTO(&jobs[i])
	}
	return dtos, nil
}

// Cancel requests cancellation. Queued jobs stop immediately; running jobs
// lose their lease and the owning worker notices on its next heartbeat.
func (s *JobService) Cancel(ctx context.Context, id string) (*dto.CancelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Errf(http.StatusRequestTimeout, "request timed out")
	}

	canceled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return nil, s.mapError(err, "failed to cancel job")
	}
	if !canceled {
		return nil, common.Errf(http.StatusConflict, "job already in a terminal state")
	}

	if job, err := s.repo.Get(ctx, id); err == nil {
		s.emit(ctx, events.JobCanceled, job, "", "")
	}
	s.logger.Info("job canceled", slog.String("job_id", id))

	return &dto.CancelResponse{
		ProtocolVersion: common.ProtocolVersion,
		JobID:           id,
		Status:          string(config.JobStatusCanceled),
	}, nil
}

// Lease hands the next eligible job to an external runner, long-polling for
// up to the normalized wait.
func (s *JobService) Lease(ctx context.Context, req *dto.LeaseRequestDTO) (*dto.LeaseResponse, error) {
	lease := time.Duration(req.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = s.defaultLease
	}

	kinds, err := runnerKinds(req.Kinds)
	if err != nil {
		return nil, err
	}

	opts := leasewait.NormalizeWaitOptions(req.WaitMs, req.PollMs, s.clock.Now().UnixMilli())
	job, err := leasewait.LeaseWithWait(ctx, kindLeaser{repo: s.repo, kinds: kinds}, s.clock, req.WorkerID, lease, opts)
	if err != nil {
		return nil, s.mapError(err, "failed to lease job")
	}

	resp := &dto.LeaseResponse{
		ProtocolVersion: common.ProtocolVersion,
		WaitMs:          opts.WaitMs,
		WaitPollMs:      opts.WaitPollMs,
		WaitApplied:     opts.WaitApplied,
	}
	if job != nil {
		j := toResponseDTO(job)
		resp.Job = &j

		res := s.policy.RunnerCommand(config.JobKind(job.Kind), json.RawMessage(job.PayloadMeta))
		resp.Command = &dto.RunnerCommand{
			OK:              res.OK,
			Exec:            res.Exec,
			Args:            res.Args,
			Dir:             res.Dir,
			RequireEmptyDir: res.RequireEmptyDir,
			Error:           res.Error,
		}
		if !res.OK {
			s.logger.Warn("leased job no longer passes command policy",
				slog.String("job_id", job.ID),
				slog.String("error", res.Error),
			)
		}

		s.logger.Info("job leased by runner",
			slog.String("job_id", job.ID),
			slog.String("worker_id", req.WorkerID),
			slog.Int("attempt", job.Attempt),
		)
	}
	return resp, nil
}

// kindLeaser adapts the repository to leasewait for a fixed kind set.
type kindLeaser struct {
	repo  JobRepoInterface
	kinds []config.JobKind
}

func (l kindLeaser) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	return l.repo.LeaseNextKinds(ctx, workerID, lease, l.kinds)
}

// runnerKinds returns the kinds an external runner may lease. Provider kinds
// need the token service and provider driver and only run in-process.
func runnerKinds(requested []string) ([]config.JobKind, error) {
	if len(requested) == 0 {
		var kinds []config.JobKind
		for _, k := range config.AllJobKinds {
			if k.RunsCommand() {
				kinds = append(kinds, k)
			}
		}
		return kinds, nil
	}

	kinds := make([]config.JobKind, 0, len(requested))
	for _, name := range requested {
		k := config.JobKind(strings.TrimSpace(name))
		if !k.Valid() {
			return nil, common.NewAPIError(http.StatusBadRequest, "invalid job kind", map[string]any{
				"provided": name,
			})
		}
		if !k.RunsCommand() {
			return nil, common.Errf(http.StatusBadRequest, "kind %s cannot be leased by an external runner", k)
		}
		if !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

func (s *JobService) Heartbeat(ctx context.Context, id string, req *dto.HeartbeatDTO) error {
	lease := time.Duration(req.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = s.defaultLease
	}
	if err := s.repo.RefreshLease(ctx, id, req.WorkerID, lease); err != nil {
		return s.mapError(err, "failed to refresh lease")
	}
	return nil
}

func (s *JobService) Complete(ctx context.Context, id string, req *dto.CompleteDTO) (*dto.StatusResponse, error) {
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, common.Errf(http.StatusBadRequest, "result must be valid JSON")
	}

	if err := s.repo.Complete(ctx, id, req.WorkerID, datatypes.JSON(req.Result)); err != nil {
		return nil, s.mapError(err, "failed to complete job")
	}

	if job, err := s.repo.Get(ctx, id); err == nil {
		s.emit(ctx, events.JobDone, job, req.WorkerID, "")
	}

	return &dto.StatusResponse{
		ProtocolVersion: common.ProtocolVersion,
		JobID:           id,
		Status:          string(config.JobStatusDone),
	}, nil
}

func (s *JobService) Fail(ctx context.Context, id string, req *dto.FailDTO) (*dto.StatusResponse, error) {
	msg := common.SanitizeMessage(req.Error, MaxFailMessageLen)

	status, err := s.repo.Fail(ctx, id, req.WorkerID, msg)
	if err != nil {
		return nil, s.mapError(err, "failed to record job failure")
	}

	evtType := events.JobFailed
	if status == config.JobStatusQueued {
		evtType = events.JobRetry
	}
	if job, err := s.repo.Get(ctx, id); err == nil {
		s.emit(ctx, evtType, job, req.WorkerID, msg)
	}

	return &dto.StatusResponse{
		ProtocolVersion: common.ProtocolVersion,
		JobID:           id,
		Status:          string(status),
	}, nil
}

func (s *JobService) emit(ctx context.Context, t events.Type, job *models.Job, workerID, errMsg string) {
	events.Emit(ctx, s.publisher, s.logger, events.Event{
		Type:       t,
		JobID:      job.ID,
		Kind:       job.Kind,
		Requester:  job.Requester,
		Attempt:    job.Attempt,
		WorkerID:   workerID,
		Error:      errMsg,
		OccurredAt: s.clock.Now(),
	})
}

// mapError converts store errors into API errors. Unexpected errors are
// logged and reported with fallback.
func (s *JobService) mapError(err error, fallback string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return common.Errf(http.StatusRequestTimeout, "request timed out")
	case errors.Is(err, models.ErrJobNotFound):
		return common.Errf(http.StatusNotFound, "job not found")
	case errors.Is(err, models.ErrNotOwner):
		return common.Errf(http.StatusConflict, "lease not held by worker")
	case errors.Is(err, models.ErrTerminal):
		return common.Errf(http.StatusConflict, "job already in a terminal state")
	case errors.Is(err, models.ErrInvalidPayload):
		return common.Errf(http.StatusBadRequest, "%s", err.Error())
	default:
		s.logger.Error(fallback, slog.Any("error", err))
		return common.Errf(http.StatusInternalServerError, "%s", fallback)
	}
}

func toResponseDTO(job *models.Job) dto.JobResponseDTO {
	resp := dto.JobResponseDTO{
		ID:             job.ID,
		Kind:           job.Kind,
		Payload:        json.RawMessage(job.Payload),
		PayloadMeta:    json.RawMessage(job.PayloadMeta),
		Status:         job.Status,
		Requester:      job.Requester,
		Priority:       job.Priority,
		RunAt:          job.RunAt,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		LeaseExpiresAt: job.LeaseExpiresAt,
		Result:         json.RawMessage(job.Result),
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.IdempotencyKey != nil {
		resp.IdempotencyKey = *job.IdempotencyKey
	}
	if job.LeaseOwner != nil {
		resp.LeaseOwner = *job.LeaseOwner
	}
	return resp
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
