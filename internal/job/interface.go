package job

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/dto"
	"github.com/joshu-sajeev/fleetq/internal/models"
	"gorm.io/datatypes"
)

// JobRepoInterface defines the contract for job repository operations.
type JobRepoInterface interface {
	Enqueue(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	LeaseNextKinds(ctx context.Context, workerID string, lease time.Duration, kinds []config.JobKind) (*models.Job, error)
	RefreshLease(ctx context.Context, id, workerID string, lease time.Duration) error
	Complete(ctx context.Context, id, workerID string, result datatypes.JSON) error
	Fail(ctx context.Context, id, workerID, msg string) (config.JobStatus, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter models.ListFilter) ([]models.Job, error)
}

// JobServiceInterface defines the contract for job business logic operations.
type JobServiceInterface interface {
	Enqueue(ctx context.Context, req *dto.JobCreateDTO) (*dto.EnqueueResponse, error)
	GetJobByID(ctx context.Context, id string) (*dto.JobResponseDTO, error)
	ListJobs(ctx context.Context, query dto.ListJobsQuery) ([]dto.JobResponseDTO, error)
	Cancel(ctx context.Context, id string) (*dto.CancelResponse, error)
	Lease(ctx context.Context, req *dto.LeaseRequestDTO) (*dto.LeaseResponse, error)
	Heartbeat(ctx context.Context, id string, req *dto.HeartbeatDTO) error
	Complete(ctx context.Context, id string, req *dto.CompleteDTO) (*dto.StatusResponse, error)
	Fail(ctx context.Context, id string, req *dto.FailDTO) (*dto.StatusResponse, error)
}

// JobHandlerInterface defines the contract for HTTP request handlers.
type JobHandlerInterface interface {
	Enqueue(c *gin.Context)
	Get(c *gin.Context)
	List(c *gin.Context)
	Cancel(c *gin.Context)
	Lease(c *gin.Context)
	Heartbeat(c *gin.Context)
	Complete(c *gin.Context)
	Fail(c *gin.Context)
}
