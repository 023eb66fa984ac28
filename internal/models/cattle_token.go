package models

import (
	"time"

	"gorm.io/datatypes"
)

// CattleToken is a single-use bootstrap credential. Only a keyed hash of the
// token is stored; EnvKeys holds variable names, never values.
type CattleToken struct {
	TokenHash  string         `gorm:"column:token_hash;primaryKey;type:varchar(128)"`
	JobID      string         `gorm:"column:job_id;type:varchar(64);index"`
	PublicEnv  datatypes.JSON `gorm:"column:public_env"`
	EnvKeys    datatypes.JSON `gorm:"column:env_keys"`
	ExpiresAt  time.Time      `gorm:"column:expires_at;not null;index"`
	ConsumedAt *time.Time     `gorm:"column:consumed_at"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null"`
}

func (CattleToken) TableName() string { return "cattle_tokens" }
