package dto

import (
	"encoding/json"
	"time"
)

type JobCreateDTO struct {
	Kind           string          `json:"kind" validate:"required,max=64"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadMeta    json.RawMessage `json:"payloadMeta,omitempty"`
	Requester      string          `json:"requester" validate:"omitempty,max=255"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=255,printascii"`
	RunAt          *time.Time      `json:"runAt,omitempty"`
	Priority       int             `json:"priority" validate:"gte=-1000,lte=1000"`
	MaxAttempts    int             `json:"maxAttempts" validate:"gte=0,lte=20"`
}

type JobResponseDTO struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadMeta    json.RawMessage `json:"payloadMeta,omitempty"`
	Status         string          `json:"status"`
	Requester      string          `json:"requester"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Priority       int             `json:"priority"`
	RunAt          time.Time       `json:"runAt"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      string          `json:"lastError,omitempty"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type EnqueueResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	Deduplicated    bool   `json:"deduplicated"`
}

type JobEnvelope struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Job             *JobResponseDTO `json:"job"`
}

type JobListResponse struct {
	ProtocolVersion int              `json:"protocolVersion"`
	Jobs            []JobResponseDTO `json:"jobs"`
}

type CancelResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
}

// ListJobsQuery mirrors GET /v1/jobs. Status and Kind accept comma separated lists.
type ListJobsQuery struct {
	Requester string `form:"requester"`
	Status    string `form:"status"`
	Kind      string `form:"kind"`
	Limit     int    `form:"limit"`
}

// LeaseRequestDTO is sent by external runners polling for work. Kinds
// narrows the lease to command kinds the runner executes; empty means all
// command kinds.
type LeaseRequestDTO struct {
	WorkerID string   `json:"workerId" validate:"required,max=255"`
	LeaseMs  int64    `json:"leaseMs" validate:"gte=0,lte=3600000"`
	WaitMs   int64    `json:"waitMs" validate:"gte=0"`
	PollMs   int64    `json:"pollMs" validate:"gte=0"`
	Kinds    []string `json:"kinds,omitempty" validate:"omitempty,max=16,dive,max=64"`
}

// RunnerCommand is the policy-approved invocation for a leased job. Dir is
// relative to the runner's workspace for the job. When RequireEmptyDir is
// set the runner must refuse to start unless Dir exists and is empty. A
// runner executes nothing when OK is false.
type RunnerCommand struct {
	OK              bool     `json:"ok"`
	Exec            string   `json:"exec,omitempty"`
	Args            []string `json:"args,omitempty"`
	Dir             string   `json:"dir,omitempty"`
	RequireEmptyDir bool     `json:"requireEmptyDir,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type LeaseResponse struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Job             *JobResponseDTO `json:"job"`
	Command         *RunnerCommand  `json:"command,omitempty"`
	WaitMs          int64           `json:"waitMs"`
	WaitPollMs      int64           `json:"waitPollMs"`
	WaitApplied     bool            `json:"waitApplied"`
}

type HeartbeatDTO struct {
	WorkerID string `json:"workerId" validate:"required,max=255"`
	LeaseMs  int64  `json:"leaseMs" validate:"gte=0,lte=3600000"`
}

type CompleteDTO struct {
	WorkerID string          `json:"workerId" validate:"required,max=255"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type FailDTO struct {
	WorkerID string `json:"workerId" validate:"required,max=255"`
	Error    string `json:"error" validate:"required"`
}

type StatusResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
}
