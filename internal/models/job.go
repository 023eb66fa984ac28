package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is the durable record of one queued operation. LeaseOwner and
// LeaseExpiresAt are only ever set while Status is running.
type Job struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(64)"`
	Kind           string         `gorm:"column:kind;type:varchar(64);not null;index"`
	Payload        datatypes.JSON `gorm:"column:payload"`
	PayloadMeta    datatypes.JSON `gorm:"column:payload_meta"`
	Status         string         `gorm:"column:status;type:varchar(16);not null;index:idx_jobs_lease,priority:1"`
	Requester      string         `gorm:"column:requester;type:varchar(255);not null;index"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;type:varchar(255);uniqueIndex"`
	Priority       int            `gorm:"column:priority;not null;default:0;index:idx_jobs_lease,priority:2"`
	RunAt          time.Time      `gorm:"column:run_at;not null;index:idx_jobs_lease,priority:3"`
	Attempt        int            `gorm:"column:attempt;not null;default:0"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:3"`
	LastError      string         `gorm:"column:last_error;type:text"`
	LeaseOwner     *string        `gorm:"column:lease_owner;type:varchar(255)"`
	LeaseExpiresAt *time.Time     `gorm:"column:lease_expires_at;index"`
	Result         datatypes.JSON `gorm:"column:result"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null"`
}

func (Job) TableName() string { return "jobs" }

// ListFilter narrows a job listing. Empty slices match everything.
type ListFilter struct {
	Requester string
	Statuses  []string
	Kinds     []string
	Limit     int
}
