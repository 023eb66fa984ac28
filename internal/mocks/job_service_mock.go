package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/joshu-sajeev/fleetq/internal/dto"
)

type JobServiceMock struct {
	mock.Mock
}

func (m *JobServiceMock) Enqueue(ctx context.Context, req *dto.JobCreateDTO) (*dto.EnqueueResponse, error) {
	args := m.Called(ctx, req)

	resp, _ := args.Get(0).(*dto.EnqueueResponse)
	return resp, args.Error(1)
}

func (m *JobServiceMock) GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error) {
	args := m.Called(ctx, id)

	resp, _ := args.Get(0).(*dto.JobResponseDTO)
	return resp, args.Error(1)
}

func (m *JobServiceMock) ListJobs(ctx context.Context, query dto.ListJobsQuery) ([]dto.JobResponseDTO, error) {
	args := m.Called(ctx, query)

	jobs, _ := args.Get(0).([]dto.JobResponseDTO)
	return jobs, args.Error(1)
}

func (m *JobServiceMock) Cancel(ctx context.Context, id string) (*dto.CancelResponse, error) {
	args := m.Called(ctx, id)

	resp, _ := args.Get(0).(*dto.CancelResponse)
	return resp, args.Error(1)
}

func (m *JobServiceMock) Lease(ctx context.Context, req *dto.LeaseRequestDTO) (*dto.LeaseResponse, error) {
	args := m.Called(ctx, req)

	resp, _ := args.Get(0).(*dto.LeaseResponse)
	return resp, args.Error(1)
}

func (m *JobServiceMock) Heartbeat(ctx context.Context, id string, req *dto.HeartbeatDTO) error {
	args := m.Called(ctx, id, req)
	return args.Error(0)
}

func (m *JobServiceMock) Complete(ctx context.Context, id string, req *dto.CompleteDTO) (*dto.StatusResponse, error) {
	args := m.Called(ctx, id, req)

	resp, _ := args.Get(0).(*dto.StatusResponse)
	return resp, args.Error(1)
}

func (m *JobServiceMock) Fail(ctx context.Context, id string, req *dto.FailDTO) (*dto.StatusResponse, error) {
	args := m.Called(ctx, id, req)

	resp, _ := args.Get(0).(*dto.StatusResponse)
	return resp, args.Error(1)
}
