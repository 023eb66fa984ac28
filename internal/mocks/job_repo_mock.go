package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"gorm.io/datatypes"

	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

type JobRepoMock struct {
	mock.Mock
}

func (m *JobRepoMock) Enqueue(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	args := m.Called(ctx, job)

	created, _ := args.Get(0).(*models.Job)
	return created, args.Bool(1), args.Error(2)
}

func (m *JobRepoMock) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	args := m.Called(ctx, workerID, lease)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) LeaseNextKinds(ctx context.Context, workerID string, lease time.Duration, kinds []config.JobKind) (*models.Job, error) {
	args := m.Called(ctx, workerID, lease, kinds)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) RefreshLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	args := m.Called(ctx, id, workerID, lease)
	return args.Error(0)
}

func (m *JobRepoMock) Complete(ctx context.Context, id, workerID string, result datatypes.JSON) error {
	args := m.Called(ctx, id, workerID, result)
	return args.Error(0)
}

func (m *JobRepoMock) Fail(ctx context.Context, id, workerID, msg string) (config.JobStatus, error) {
	args := m.Called(ctx, id, workerID, msg)

	status, _ := args.Get(0).(config.JobStatus)
	return status, args.Error(1)
}

func (m *JobRepoMock) Cancel(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *JobRepoMock) Get(ctx context.Context, id string) (*models.Job, error) {
	args := m.Called(ctx, id)

	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *JobRepoMock) List(ctx context.Context, filter models.ListFilter) ([]models.Job, error) {
	args := m.Called(ctx, filter)

	jobs, _ := args.Get(0).([]models.Job)
	return jobs, args.Error(1)
}
