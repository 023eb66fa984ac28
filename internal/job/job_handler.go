package job

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/joshu-sajeev/fleetq/common"
	"github.com/joshu-sajeev/fleetq/internal/dto"
	"github.com/joshu-sajeev/fleetq/middleware"
)

type JobHandler struct {
	service JobServiceInterface
}

func NewJobHandler(s JobServiceInterface) *JobHandler {
	return &JobHandler{service: s}
}

var _ JobHandlerInterface = (*JobHandler)(nil)

// RegisterRoutes mounts the job endpoints under rg.
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	jobs := rg.Group("/jobs")
	{
		jobs.POST("/enqueue", h.Enqueue)
		jobs.GET("", h.List)
		jobs.POST("/lease", h.Lease)
		jobs.GET("/:id", h.Get)
		jobs.POST("/:id/cancel", h.Cancel)
		jobs.POST("/:id/heartbeat", h.Heartbeat)
		jobs.POST("/:id/complete", h.Complete)
		jobs.POST("/:id/fail", h.Fail)
	}
}

// Enqueue creates a job. It answers 201 for a new job and 200 when an
// idempotency key matched an existing one.
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req dto.JobCreateDTO
	if !middleware.Bind(c, &req) {
		return
	}

	resp, err := h.service.Enqueue(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if resp.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

func (h *JobHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := h.service.GetJobByID(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.JobEnvelope{ProtocolVersion: common.ProtocolVersion, Job: resp})
}

func (h *JobHandler) List(c *gin.Context) {
	var query dto.ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid query: %v", err.Error()))
		return
	}

	jobs, err := h.service.ListJobs(c.Request.Context(), query)
	if err != nil {
		c.Error(err)
		return
	}
	if jobs == nil {
		jobs = []dto.JobResponseDTO{}
	}

	c.JSON(http.StatusOK, dto.JobListResponse{ProtocolVersion: common.ProtocolVersion, Jobs: jobs})
}

func (h *JobHandler) Cancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	resp, err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Lease long-polls for the next job on behalf of an external runner. A
// response without a job means the wait elapsed.
func (h *JobHandler) Lease(c *gin.Context) {
	var req dto.LeaseRequestDTO
	if !middleware.Bind(c, &req) {
		return
	}

	resp, err := h.service.Lease(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) Heartbeat(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req dto.HeartbeatDTO
	if !middleware.Bind(c, &req) {
		return
	}

	if err := h.service.Heartbeat(c.Request.Context(), id, &req); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"protocolVersion": common.ProtocolVersion, "jobId": id})
}

func (h *JobHandler) Complete(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req dto.CompleteDTO
	if !middleware.Bind(c, &req) {
		return
	}

	resp, err := h.service.Complete(c.Request.Context(), id, &req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) Fail(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req dto.FailDTO
	if !middleware.Bind(c, &req) {
		return
	}

	resp, err := h.service.Fail(c.Request.Context(), id, &req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func jobID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || len(id) > 64 {
		c.Error(common.Errf(http.StatusBadRequest, "invalid ID"))
		return "", false
	}
	return id, true
}
