package config

import "slices"

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusRunning,
	JobStatusDone,
	JobStatusFailed,
	JobStatusCanceled,
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCanceled
}

func (s JobStatus) Valid() bool {
	return slices.Contains(AllJobStatuses, s)
}

// JobKind is the closed set of operations a job may perform. There is no
// generic shell kind.
type JobKind string

const (
	KindProjectInit   JobKind = "project_init"
	KindRepoImport    JobKind = "repo_import"
	KindCattleSpawn   JobKind = "cattle_spawn"
	KindCattleDestroy JobKind = "cattle_destroy"
	KindHostLockdown  JobKind = "host_lockdown"
	KindCustom        JobKind = "custom"
)

var AllJobKinds = []JobKind{
	KindProjectInit,
	KindRepoImport,
	KindCattleSpawn,
	KindCattleDestroy,
	KindHostLockdown,
	KindCustom,
}

func (k JobKind) Valid() bool {
	return slices.Contains(AllJobKinds, k)
}

// RunsCommand reports whether jobs of this kind execute a subprocess built by
// the command policy.
func (k JobKind) RunsCommand() bool {
	return k == KindProjectInit || k == KindRepoImport || k == KindCustom
}

const (
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 20
	DefaultListLimit   = 50
	MaxListLimit       = 500
)
