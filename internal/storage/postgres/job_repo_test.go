package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

const lease = time.Minute

func TestJobRepository_Enqueue(t *testing.T) {
	tests := []struct {
		name      string
		job       *models.Job
		setup     func(t *testing.T, repo *JobRepository, db *gorm.DB)
		wantErr   error
		errSubstr string
		wantDedup bool
		check     func(t *testing.T, got *models.Job, db *gorm.DB)
	}{
		{
			name: "applies defaults",
			job:  &models.Job{Kind: string(config.KindRepoImport), Requester: "ci"},
			check: func(t *testing.T, got *models.Job, db *gorm.DB) {
				assert.NotEmpty(t, got.ID)
				assert.Equal(t, string(config.JobStatusQueued), got.Status)
				assert.Equal(t, 0, got.Attempt)
				assert.Equal(t, config.DefaultMaxAttempts, got.MaxAttempts)
				assert.True(t, got.RunAt.Equal(testEpoch))
				assert.Nil(t, got.LeaseOwner)

				var saved models.Job
				require.NoError(t, db.Take(&saved, "id = ?", got.ID).Error)
				assert.Equal(t, "ci", saved.Requester)
			},
		},
		{
			name: "caller status and lease are ignored",
			job: &models.Job{
				Kind:       string(config.KindCustom),
				Requester:  "ci",
				Status:     string(config.JobStatusDone),
				Attempt:    5,
				LeaseOwner: strPtr("w-1"),
			},
			check: func(t *testing.T, got *models.Job, db *gorm.DB) {
				assert.Equal(t, string(config.JobStatusQueued), got.Status)
				assert.Equal(t, 0, got.Attempt)
				assert.Nil(t, got.LeaseOwner)
			},
		},
		{
			name:    "unknown kind",
			job:     &models.Job{Kind: "shell", Requester: "ci"},
			wantErr: models.ErrInvalidPayload,
		},
		{
			name: "existing idempotency key returns original",
			job: &models.Job{
				Kind:           string(config.KindProjectInit),
				Requester:      "ci",
				IdempotencyKey: strPtr("deploy-42"),
			},
			setup: func(t *testing.T, repo *JobRepository, db *gorm.DB) {
				seedJob(t, repo, func(j *models.Job) {
					j.ID = "original"
					j.IdempotencyKey = strPtr("deploy-42")
				})
			},
			wantDedup: true,
			check: func(t *testing.T, got *models.Job, db *gorm.DB) {
				assert.Equal(t, "original", got.ID)
				var count int64
				require.NoError(t, db.Model(&models.Job{}).Count(&count).Error)
				assert.Equal(t, int64(1), count)
			},
		},
		{
			name: "closed connection",
			job:  &models.Job{Kind: string(config.KindCustom), Requester: "ci"},
			setup: func(t *testing.T, repo *JobRepository, db *gorm.DB) {
				sqlDB, _ := db.DB()
				sqlDB.Close()
			},
			errSubstr: "create job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _, db := setupJobRepo(t)
			if tt.setup != nil {
				tt.setup(t, repo, db)
			}

			got, dedup, err := repo.Enqueue(context.Background(), tt.job)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			if tt.errSubstr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantDedup, dedup)
			if tt.check != nil {
				tt.check(t, got, db)
			}
		})
	}
}

func TestJobRepository_LeaseNext_Order(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()

	oldLow := seedJob(t, repo, func(j *models.Job) { j.ID = "old-low" })
	clk.Advance(time.Second)
	high := seedJob(t, repo, func(j *models.Job) { j.ID = "high"; j.Priority = 10 })
	clk.Advance(time.Second)
	newLow := seedJob(t, repo, func(j *models.Job) { j.ID = "new-low" })
	seedJob(t, repo, func(j *models.Job) {
		j.ID = "future"
		j.Priority = 100
		j.RunAt = clk.Now().Add(time.Hour)
	})

	var order []string
	for {
		leased, err := repo.LeaseNext(ctx, "w-1", lease)
		require.NoError(t, err)
		if leased == nil {
			break
		}
		order = append(order, leased.ID)
	}

	assert.Equal(t, []string{high.ID, oldLow.ID, newLow.ID}, order)
}

func TestJobRepository_LeaseNextKinds(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()

	destroy := seedJob(t, repo, func(j *models.Job) {
		j.ID = "destroy"
		j.Kind = string(config.KindCattleDestroy)
		j.Priority = 10
	})
	clk.Advance(time.Second)
	imp := seedJob(t, repo, func(j *models.Job) { j.ID = "import"; j.Kind = string(config.KindRepoImport) })

	runnerKinds := []config.JobKind{config.KindProjectInit, config.KindRepoImport, config.KindCustom}

	leased, err := repo.LeaseNextKinds(ctx, "runner-1", lease, runnerKinds)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, imp.ID, leased.ID)

	none, err := repo.LeaseNextKinds(ctx, "runner-1", lease, runnerKinds)
	require.NoError(t, err)
	assert.Nil(t, none, "provider jobs are never handed to runners")

	inProcess, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	require.NotNil(t, inProcess)
	assert.Equal(t, destroy.ID, inProcess.ID)
}

func TestJobRepository_LeaseNext_SetsLease(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, nil)

	leased, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	require.NotNil(t, leased)

	assert.Equal(t, seeded.ID, leased.ID)
	assert.Equal(t, string(config.JobStatusRunning), leased.Status)
	assert.Equal(t, 1, leased.Attempt)
	require.NotNil(t, leased.LeaseOwner)
	assert.Equal(t, "w-1", *leased.LeaseOwner)
	require.NotNil(t, leased.LeaseExpiresAt)
	assert.True(t, leased.LeaseExpiresAt.Equal(clk.Now().Add(lease)))

	stored, err := repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, string(config.JobStatusRunning), stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	again, err := repo.LeaseNext(ctx, "w-2", lease)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestJobRepository_LeaseNext_ReclaimsExpiredLease(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, nil)

	_, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)

	clk.Advance(lease + time.Second)

	reclaimed, err := repo.LeaseNext(ctx, "w-2", lease)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, seeded.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempt)
	assert.Equal(t, "w-2", *reclaimed.LeaseOwner)

	assert.ErrorIs(t, repo.Complete(ctx, seeded.ID, "w-1", nil), models.ErrNotOwner)
	assert.ErrorIs(t, repo.RefreshLease(ctx, seeded.ID, "w-1", lease), models.ErrNotOwner)
}

func TestJobRepository_LeaseNext_FailsExhaustedLease(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, func(j *models.Job) { j.MaxAttempts = 1 })

	_, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	clk.Advance(2 * lease)

	leased, err := repo.LeaseNext(ctx, "w-2", lease)
	require.NoError(t, err)
	assert.Nil(t, leased)

	stored, err := repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, string(config.JobStatusFailed), stored.Status)
	assert.Equal(t, LeaseExhaustedMessage, stored.LastError)
	assert.Nil(t, stored.LeaseOwner)
	assert.Nil(t, stored.LeaseExpiresAt)
}

func TestJobRepository_LeaseNext_ConcurrentWorkersNeverShareJobs(t *testing.T) {
	repo, _, db := setupJobRepo(t)
	ctx := context.Background()

	const jobs, workers = 20, 6
	for range jobs {
		seedJob(t, repo, nil)
	}

	var (
		mu     sync.Mutex
		leased = map[string]string{}
		dupes  []string
		wg     sync.WaitGroup
	)
	for w := range workers {
		workerID := "w-" + string(rune('a'+w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := repo.LeaseNext(ctx, workerID, lease)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				if _, seen := leased[got.ID]; seen {
					dupes = append(dupes, got.ID)
				}
				leased[got.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Len(t, leased, jobs)

	var running []models.Job
	require.NoError(t, db.Where("status = ?", string(config.JobStatusRunning)).Find(&running).Error)
	require.Len(t, running, jobs)
	for _, j := range running {
		assert.Equal(t, 1, j.Attempt)
		assert.Equal(t, leased[j.ID], *j.LeaseOwner)
	}
}

func TestJobRepository_RefreshLease(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, nil)
	_, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.NoError(t, repo.RefreshLease(ctx, seeded.ID, "w-1", lease))

	stored, err := repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.True(t, stored.LeaseExpiresAt.Equal(clk.Now().Add(lease)))

	assert.ErrorIs(t, repo.RefreshLease(ctx, seeded.ID, "w-2", lease), models.ErrNotOwner)
	assert.ErrorIs(t, repo.RefreshLease(ctx, "missing", "w-1", lease), models.ErrJobNotFound)

	_, err = repo.Cancel(ctx, seeded.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.RefreshLease(ctx, seeded.ID, "w-1", lease), models.ErrNotOwner)
}

func TestJobRepository_Complete(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(t *testing.T, repo *JobRepository, id string)
		worker     string
		wantErr    error
		status     config.JobStatus
		wantResult bool
	}{
		{
			name:       "owner completes",
			worker:     "w-1",
			status:     config.JobStatusDone,
			wantResult: true,
		},
		{
			name: "already done is a no-op",
			prepare: func(t *testing.T, repo *JobRepository, id string) {
				require.NoError(t, repo.Complete(context.Background(), id, "w-1", nil))
			},
			worker: "w-1",
			status: config.JobStatusDone,
		},
		{
			name: "canceled is terminal",
			prepare: func(t *testing.T, repo *JobRepository, id string) {
				_, err := repo.Cancel(context.Background(), id)
				require.NoError(t, err)
			},
			worker:  "w-1",
			wantErr: models.ErrTerminal,
			status:  config.JobStatusCanceled,
		},
		{
			name:    "other worker",
			worker:  "w-2",
			wantErr: models.ErrNotOwner,
			status:  config.JobStatusRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _, _ := setupJobRepo(t)
			ctx := context.Background()
			seeded := seedJob(t, repo, nil)
			_, err := repo.LeaseNext(ctx, "w-1", lease)
			require.NoError(t, err)
			if tt.prepare != nil {
				tt.prepare(t, repo, seeded.ID)
			}

			err = repo.Complete(ctx, seeded.ID, tt.worker, datatypes.JSON(`{"ok":true}`))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			stored, err := repo.Get(ctx, seeded.ID)
			require.NoError(t, err)
			assert.Equal(t, string(tt.status), stored.Status)
			if tt.status != config.JobStatusRunning {
				assert.Nil(t, stored.LeaseOwner)
				assert.Nil(t, stored.LeaseExpiresAt)
			}
			if tt.wantResult {
				assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
			}
		})
	}

	t.Run("missing job", func(t *testing.T) {
		repo, _, _ := setupJobRepo(t)
		err := repo.Complete(context.Background(), "missing", "w-1", nil)
		assert.ErrorIs(t, err, models.ErrJobNotFound)
	})
}

func TestJobRepository_Fail(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, func(j *models.Job) { j.MaxAttempts = 2 })

	_, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	clk.Advance(10 * time.Second)

	status, err := repo.Fail(ctx, seeded.ID, "w-1", "clone failed")
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusQueued, status)

	stored, err := repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "clone failed", stored.LastError)
	assert.True(t, stored.RunAt.Equal(clk.Now()))
	assert.Nil(t, stored.LeaseOwner)

	_, err = repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	status, err = repo.Fail(ctx, seeded.ID, "w-1", "clone failed again")
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusFailed, status)

	stored, err = repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, string(config.JobStatusFailed), stored.Status)
	assert.Equal(t, 2, stored.Attempt)

	_, err = repo.Fail(ctx, seeded.ID, "w-1", "late")
	assert.ErrorIs(t, err, models.ErrTerminal)

	_, err = repo.Fail(ctx, "missing", "w-1", "late")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobRepository_Cancel(t *testing.T) {
	repo, _, _ := setupJobRepo(t)
	ctx := context.Background()

	queued := seedJob(t, repo, nil)
	ok, err := repo.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	running := seedJob(t, repo, nil)
	leased, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	require.Equal(t, running.ID, leased.ID)

	ok, err = repo.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err := repo.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, string(config.JobStatusCanceled), stored.Status)
	assert.Nil(t, stored.LeaseOwner)

	ok, err = repo.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobRepository_TerminalJobsNeverTransition(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()
	seeded := seedJob(t, repo, nil)

	_, err := repo.LeaseNext(ctx, "w-1", lease)
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, seeded.ID, "w-1", nil))

	clk.Advance(time.Hour)
	leased, err := repo.LeaseNext(ctx, "w-2", lease)
	require.NoError(t, err)
	assert.Nil(t, leased)

	ok, err := repo.Cancel(ctx, seeded.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Fail(ctx, seeded.ID, "w-1", "boom")
	assert.ErrorIs(t, err, models.ErrTerminal)

	stored, err := repo.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, string(config.JobStatusDone), stored.Status)
	assert.Equal(t, 1, stored.Attempt)
}

func TestJobRepository_List(t *testing.T) {
	repo, clk, _ := setupJobRepo(t)
	ctx := context.Background()

	seedJob(t, repo, func(j *models.Job) { j.ID = "a"; j.Requester = "alice" })
	clk.Advance(time.Second)
	seedJob(t, repo, func(j *models.Job) { j.ID = "b"; j.Requester = "bob"; j.Kind = string(config.KindCustom) })
	clk.Advance(time.Second)
	seedJob(t, repo, func(j *models.Job) { j.ID = "c"; j.Requester = "alice"; j.Kind = string(config.KindRepoImport) })
	_, err := repo.Cancel(ctx, "c")
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter models.ListFilter
		want   []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by requester", filter: models.ListFilter{Requester: "alice"}, want: []string{"c", "a"}},
		{name: "by status", filter: models.ListFilter{Statuses: []string{"queued"}}, want: []string{"b", "a"}},
		{name: "by kinds", filter: models.ListFilter{Kinds: []string{"custom", "repo_import"}}, want: []string{"c", "b"}},
		{name: "limit", filter: models.ListFilter{Limit: 1}, want: []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(jobs))
			for i, j := range jobs {
				ids[i] = j.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
