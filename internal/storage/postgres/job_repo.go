package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/job"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

// LeaseExhaustedMessage is recorded on jobs whose lease expired on their
// final attempt.
const LeaseExhaustedMessage = "lease expired on final attempt"

// maxLeaseConflicts bounds the compare-and-set retry loop used by dialects
// without SKIP LOCKED.
const maxLeaseConflicts = 8

const eligibleClause = "((status = @queued AND run_at <= @now) OR " +
	"(status = @running AND lease_expires_at < @now AND attempt < max_attempts))"

// kindClause narrows eligibility to the kinds a runner can execute.
const kindClause = " AND kind IN @kinds"

// leaseSkipLockedSQL takes the optional kindClause as its only verb.
const leaseSkipLockedSQL = `
WITH next AS (
	SELECT id FROM jobs
	WHERE ` + eligibleClause + `%s
	ORDER BY priority DESC, run_at ASC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs
SET status = @running,
	lease_owner = @owner,
	lease_expires_at = @expires,
	attempt = jobs.attempt + 1,
	updated_at = @now
FROM next
WHERE jobs.id = next.id
RETURNING jobs.*`

type JobRepository struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewJobRepository(db *gorm.DB, clk clock.Clock) *JobRepository {
	if clk == nil {
		clk = clock.Real()
	}
	return &JobRepository{db: db, clock: clk}
}

var _ job.JobRepoInterface = (*JobRepository)(nil)

// Enqueue inserts a queued job. When the job carries an idempotency key that
// already exists, the existing job is returned with deduplicated=true and
// nothing is inserted. A lost insert race is resolved by re-reading the winner.
func (r *JobRepository) Enqueue(ctx context.Context, j *models.Job) (*models.Job, bool, error) {
	if !config.JobKind(j.Kind).Valid() {
		return nil, false, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidPayload, j.Kind)
	}

	if j.IdempotencyKey != nil {
		existing, err := r.findByIdempotencyKey(ctx, *j.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, models.ErrJobNotFound) {
			return nil, false, err
		}
	}

	now := r.clock.Now()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = config.DefaultMaxAttempts
	}
	j.RunAt = j.RunAt.UTC()
	j.Status = string(config.JobStatusQueued)
	j.Attempt = 0
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(j).Error; err != nil {
		if j.IdempotencyKey != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, findErr := r.findByIdempotencyKey(ctx, *j.IdempotencyKey); findErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return j, false, nil
}

func (r *JobRepository) findByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	var found models.Job
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency key: %w", err)
	}
	return &found, nil
}

// LeaseNext claims the highest priority eligible job for workerID. It returns
// nil, nil when nothing is eligible.
func (r *JobRepository) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	return r.LeaseNextKinds(ctx, workerID, lease, nil)
}

// LeaseNextKinds is LeaseNext restricted to kinds. An empty kinds matches
// every kind.
func (r *JobRepository) LeaseNextKinds(ctx context.Context, workerID string, lease time.Duration, kinds []config.JobKind) (*models.Job, error) {
	now := r.clock.Now()
	if _, err := r.failExhaustedLeases(ctx, now); err != nil {
		return nil, err
	}

	if r.db.Dialector.Name() == DriverPostgres {
		return r.leaseSkipLocked(ctx, workerID, now, lease, kinds)
	}
	return r.leaseCompareAndSet(ctx, workerID, now, lease, kinds)
}

func (r *JobRepository) leaseArgs(workerID string, now, expires time.Time, kinds []config.JobKind) map[string]any {
	args := map[string]any{
		"queued":  string(config.JobStatusQueued),
		"running": string(config.JobStatusRunning),
		"now":     now,
		"owner":   workerID,
		"expires": expires,
	}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		args["kinds"] = names
	}
	return args
}

func (r *JobRepository) leaseSkipLocked(ctx context.Context, workerID string, now time.Time, lease time.Duration, kinds []config.JobKind) (*models.Job, error) {
	filter := ""
	if len(kinds) > 0 {
		filter = kindClause
	}
	query := fmt.Sprintf(leaseSkipLockedSQL, filter)

	var leased []models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(query, r.leaseArgs(workerID, now, now.Add(lease), kinds)).Scan(&leased).Error
	})
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if len(leased) == 0 {
		return nil, nil
	}
	return &leased[0], nil
}

func (r *JobRepository) leaseCompareAndSet(ctx context.Context, workerID string, now time.Time, lease time.Duration, kinds []config.JobKind) (*models.Job, error) {
	args := r.leaseArgs(workerID, now, now.Add(lease), kinds)
	clause := eligibleClause
	if len(kinds) > 0 {
		clause += kindClause
	}

	for range maxLeaseConflicts {
		var candidate models.Job
		err := r.db.WithContext(ctx).
			Where(clause, args).
			Order("priority DESC").
			Order("run_at ASC").
			Order("created_at ASC").
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select lease candidate: %w", err)
		}

		expires := now.Add(lease)
		res := r.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ? AND attempt = ?", candidate.ID, candidate.Status, candidate.Attempt).
			Where(clause, args).
			Updates(map[string]any{
				"status":           string(config.JobStatusRunning),
				"lease_owner":      workerID,
				"lease_expires_at": expires,
				"attempt":          gorm.Expr("attempt + 1"),
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("lease job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			owner := workerID
			candidate.Status = string(config.JobStatusRunning)
			candidate.LeaseOwner = &owner
			candidate.LeaseExpiresAt = &expires
			candidate.Attempt++
			candidate.UpdatedAt = now
			return &candidate, nil
		}
		// Another worker won the row; pick again.
	}
	return nil, nil
}

// failExhaustedLeases moves expired running jobs with no attempts left to
// failed so a job that keeps killing its worker is not reclaimed forever.
func (r *JobRepository) failExhaustedLeases(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND lease_expires_at < ? AND attempt >= max_attempts", string(config.JobStatusRunning), now).
		Updates(map[string]any{
			"status":           string(config.JobStatusFailed),
			"last_error":       LeaseExhaustedMessage,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail exhausted leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RefreshLease extends the lease held by workerID.
func (r *JobRepository) RefreshLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := r.clock.Now()
	res := r.ownedBy(ctx, id, workerID).Updates(map[string]any{
		"lease_expires_at": now.Add(lease),
		"updated_at":       now,
	})
	if res.Error != nil {
		return fmt.Errorf("refresh lease: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return models.ErrNotOwner
}

// Complete marks a job done. Completing an already-done job is a no-op.
func (r *JobRepository) Complete(ctx context.Context, id, workerID string, result datatypes.JSON) error {
	now := r.clock.Now()
	res := r.ownedBy(ctx, id, workerID).Updates(map[string]any{
		"status":           string(config.JobStatusDone),
		"result":           result,
		"lease_owner":      nil,
		"lease_expires_at": nil,
		"updated_at":       now,
	})
	if res.Error != nil {
		return fmt.Errorf("complete job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	switch config.JobStatus(current.Status) {
	case config.JobStatusDone:
		return nil
	case config.JobStatusFailed, config.JobStatusCanceled:
		return models.ErrTerminal
	default:
		return models.ErrNotOwner
	}
}

// Fail records msg and either requeues the job for another attempt or moves
// it to failed once attempts are exhausted. It returns the resulting status.
func (r *JobRepository) Fail(ctx context.Context, id, workerID, msg string) (config.JobStatus, error) {
	now := r.clock.Now()

	res := r.ownedBy(ctx, id, workerID).
		Where("attempt < max_attempts").
		Updates(map[string]any{
			"status":           string(config.JobStatusQueued),
			"run_at":           now,
			"last_error":       msg,
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return "", fmt.Errorf("requeue job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return config.JobStatusQueued, nil
	}

	res = r.ownedBy(ctx, id, workerID).Updates(map[string]any{
		"status":           string(config.JobStatusFailed),
		"last_error":       msg,
		"lease_owner":      nil,
		"lease_expires_at": nil,
		"updated_at":       now,
	})
	if res.Error != nil {
		return "", fmt.Errorf("fail job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return config.JobStatusFailed, nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if config.JobStatus(current.Status).Terminal() {
		return config.JobStatus(current.Status), models.ErrTerminal
	}
	return config.JobStatus(current.Status), models.ErrNotOwner
}

// Cancel moves a queued or running job to canceled. A running job's lease is
// cleared so its owner sees ErrNotOwner on the next heartbeat. It reports
// false when the job was already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id string) (bool, error) {
	now := r.clock.Now()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []string{string(config.JobStatusQueued), string(config.JobStatusRunning)}).
		Updates(map[string]any{
			"status":           string(config.JobStatusCanceled),
			"lease_owner":      nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel job: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Get retrieves a single job record by its ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var found models.Job
	if err := r.db.WithContext(ctx).Take(&found, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get job %s: %w", id, models.ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &found, nil
}

// List returns jobs matching filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter models.ListFilter) ([]models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = config.DefaultListLimit
	}
	limit = min(limit, config.MaxListLimit)

	q := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.Requester != "" {
		q = q.Where("requester = ?", filter.Requester)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN ?", filter.Kinds)
	}

	var jobs []models.Job
	if err := q.Order("created_at DESC").Order("id ASC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *JobRepository) ownedBy(ctx context.Context, id, workerID string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", id, string(config.JobStatusRunning), workerID)
}
