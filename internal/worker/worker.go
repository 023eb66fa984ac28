package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/events"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

const (
	// MaxLastErrorLen caps the failure message stored on a job.
	MaxLastErrorLen = 1000

	finalizeTimeout = 10 * time.Second
)

var errLeaseLost = errors.New("lease lost")

// Store is the subset of the job repository a worker drives.
type Store interface {
	LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	RefreshLease(ctx context.Context, id, workerID string, lease time.Duration) error
	Complete(ctx context.Context, id, workerID string, result datatypes.JSON) error
	Fail(ctx context.Context, id, workerID, msg string) (config.JobStatus, error)
}

type Options struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	LeaseRefresh  time.Duration
}

type Worker struct {
	ID        string
	store     Store
	handlers  map[config.JobKind]Handler
	opts      Options
	clock     clock.Clock
	publisher events.Publisher
	logger    *slog.Logger
}

func NewWorker(id string, store Store, handlers map[config.JobKind]Handler, opts Options, clk clock.Clock, pub events.Publisher, logger *slog.Logger) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		ID:        id,
		store:     store,
		handlers:  handlers,
		opts:      opts,
		clock:     clk,
		publisher: pub,
		logger:    logger.With(slog.String("worker_id", id)),
	}
}

// Run leases and processes jobs until ctx is done. Handlers run under
// jobCtx, so canceling ctx stops leasing but lets the in-flight job finish.
func (w *Worker) Run(ctx, jobCtx context.Context) error {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.RunOnce(ctx, jobCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("lease failed", slog.Any("error", err))
		}
		if processed {
			continue
		}

		if err := w.clock.Sleep(ctx, w.opts.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce leases at most one job and processes it to completion. It reports
// whether a job was leased.
func (w *Worker) RunOnce(ctx, jobCtx context.Context) (bool, error) {
	job, err := w.store.LeaseNext(ctx, w.ID, w.opts.LeaseDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(jobCtx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempt),
	)
	logger.Info("job leased")

	handler, ok := w.handlers[config.JobKind(job.Kind)]
	if !ok {
		w.fail(ctx, job, fmt.Errorf("no handler registered for kind %s", job.Kind), logger)
		return
	}

	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(hctx, job.ID, cancel, logger)
	}()

	start := time.Now()
	result, err := handler(hctx, job)
	cancel(nil)
	<-heartbeatDone

	if errors.Is(context.Cause(hctx), errLeaseLost) {
		logger.Info("lease lost, dropping outcome", slog.Duration("elapsed", time.Since(start)))
		return
	}
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}
	w.complete(ctx, job, result, logger)
}

// heartbeat refreshes the lease until ctx is done. Losing ownership cancels
// the handler.
func (w *Worker) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc, logger *slog.Logger) {
	for {
		if err := w.clock.Sleep(ctx, w.opts.LeaseRefresh); err != nil {
			return
		}
		err := w.store.RefreshLease(ctx, id, w.ID, w.opts.LeaseDuration)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrNotOwner), errors.Is(err, models.ErrJobNotFound):
			logger.Info("lease no longer held, canceling handler")
			cancel(errLeaseLost)
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Warn("lease refresh failed", slog.Any("error", err))
		}
	}
}

func (w *Worker) complete(ctx context.Context, job *models.Job, result any, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	raw, err := json.Marshal(result)
	if err != nil {
		w.fail(ctx, job, fmt.Errorf("encode result: %w", err), logger)
		return
	}

	if err := w.store.Complete(fctx, job.ID, w.ID, datatypes.JSON(raw)); err != nil {
		logger.Warn("complete rejected", slog.Any("error", err))
		return
	}

	logger.Info("job done")
	events.Emit(fctx, w.publisher, logger, events.Event{
		Type:       events.JobDone,
		JobID:      job.ID,
		Kind:       job.Kind,
		Requester:  job.Requester,
		Attempt:    job.Attempt,
		WorkerID:   w.ID,
		OccurredAt: w.clock.Now(),
	})
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	msg := common.SanitizeMessage(cause.Error(), MaxLastErrorLen)
	status, err := w.store.Fail(fctx, job.ID, w.ID, msg)
	if err != nil {
		logger.Warn("fail rejected", slog.Any("error", err))
		return
	}

	evtType := events.JobFailed
	if status == config.JobStatusQueued {
		evtType = events.JobRetry
		logger.Warn("job failed, requeued", slog.String("error", msg))
	} else {
		logger.Error("job failed", slog.String("error", msg))
	}
	events.Emit(fctx, w.publisher, logger, events.Event{
		Type:       evtType,
		JobID:      job.ID,
		Kind:       job.Kind,
		Requester:  job.Requester,
		Attempt:    job.Attempt,
		WorkerID:   w.ID,
		Error:      msg,
		OccurredAt: w.clock.Now(),
	})
}
