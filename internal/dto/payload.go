package dto

// ProjectInitMeta describes a project_init job. The command is always built
// from these fields; Args may only add allowlisted flags.
type ProjectInitMeta struct {
	HostName     string   `json:"hostName" validate:"required"`
	TemplateRepo string   `json:"templateRepo,omitempty"`
	Ref          string   `json:"ref,omitempty"`
	Path         string   `json:"path,omitempty"`
	Args         []string `json:"args,omitempty"`
}

type RepoImportMeta struct {
	RepoURL string   `json:"repoUrl" validate:"required"`
	Ref     string   `json:"ref,omitempty"`
	Path    string   `json:"path,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type CustomMeta struct {
	Exec string   `json:"exec" validate:"required"`
	Args []string `json:"args"`
	Path string   `json:"path,omitempty"`
}

type CattleSpawnPayload struct {
	Name            string            `json:"name" validate:"required,hostname_rfc1123,max=63"`
	ServerType      string            `json:"serverType" validate:"required,max=64"`
	Image           string            `json:"image" validate:"required,max=128"`
	Region          string            `json:"region,omitempty" validate:"omitempty,max=64"`
	PublicEnv       map[string]string `json:"publicEnv,omitempty"`
	EnvKeys         []string          `json:"envKeys,omitempty"`
	TokenTTLSeconds int               `json:"tokenTtlSeconds,omitempty" validate:"gte=0,lte=86400"`
	Labels          map[string]string `json:"labels,omitempty"`
}

type CattleDestroyPayload struct {
	InstanceID string `json:"instanceId" validate:"required,max=128"`
}

type HostLockdownPayload struct {
	InstanceID string   `json:"instanceId" validate:"required,max=128"`
	AllowCIDRs []string `json:"allowCidrs,omitempty" validate:"dive,cidr"`
}
