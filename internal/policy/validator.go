// Package policy turns a job's kind and payloadMeta into the exact argument
// vector a worker may execute, or rejects it. There is no generic shell kind:
// command kinds build their argv from structured fields and caller args can
// only add allowlisted flags.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/dto"
)

const forbiddenVerb = "plugin"

var (
	hostNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	refRe      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,254}$`)
)

type Config struct {
	RunnerBin    string
	CustomBinary string
	CustomVerbs  []string
}

// Command is a fully validated invocation. Dir is the working directory the
// process must be started in.
type Command struct {
	Exec string   `json:"exec"`
	Args []string `json:"args"`
	Dir  string   `json:"dir,omitempty"`
}

// Resolution is the all-or-nothing result handed to external runners. Dir
// and RequireEmptyDir are only set by RunnerCommand.
type Resolution struct {
	OK              bool     `json:"ok"`
	Exec            string   `json:"exec,omitempty"`
	Args            []string `json:"args,omitempty"`
	Dir             string   `json:"dir,omitempty"`
	RequireEmptyDir bool     `json:"requireEmptyDir,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type Validator struct {
	cfg      Config
	validate *validator.Validate
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg, validate: validator.New()}
}

// built is an argv before the filesystem has been consulted.
type built struct {
	exec      string
	args      []string
	subdir    string
	emptyDest bool
}

// Validate runs every check that does not touch the filesystem. Kinds that
// do not run a command pass.
func (v *Validator) Validate(kind config.JobKind, meta json.RawMessage) error {
	if !kind.Valid() {
		return reject("kind %q is not in the allowlist", kind)
	}
	if !kind.RunsCommand() {
		return nil
	}
	_, err := v.build(kind, meta)
	return err
}

// Resolve validates kind and meta and returns the command to run inside
// workDir. Destination directories for project_init and repo_import must
// exist and be empty.
func (v *Validator) Resolve(kind config.JobKind, meta json.RawMessage, workDir string) (Command, error) {
	if !kind.Valid() {
		return Command{}, reject("kind %q is not in the allowlist", kind)
	}
	if !kind.RunsCommand() {
		return Command{}, reject("kind %s does not run a command", kind)
	}

	b, err := v.build(kind, meta)
	if err != nil {
		return Command{}, err
	}

	dir := workDir
	if b.subdir != "" {
		dir = filepath.Join(workDir, b.subdir)
	}
	if b.emptyDest {
		if err := checkEmptyDir(dir); err != nil {
			return Command{}, err
		}
	}

	return Command{Exec: b.exec, Args: b.args, Dir: dir}, nil
}

// WorkDir returns the directory a command of this kind runs in when rooted
// at workDir, without checking that it exists.
func (v *Validator) WorkDir(kind config.JobKind, meta json.RawMessage, workDir string) (string, error) {
	b, err := v.build(kind, meta)
	if err != nil {
		return "", err
	}
	return filepath.Join(workDir, b.subdir), nil
}

// ResolveRunnerJobCommand projects Resolve into a Resolution. It never
// returns a partial command.
func (v *Validator) ResolveRunnerJobCommand(kind config.JobKind, meta json.RawMessage, workDir string) Resolution {
	cmd, err := v.Resolve(kind, meta, workDir)
	if err != nil {
		return Resolution{OK: false, Error: err.Error()}
	}
	return Resolution{OK: true, Exec: cmd.Exec, Args: cmd.Args}
}

// RunnerCommand resolves the command for a job leased by an external runner.
// The runner's filesystem is not visible here, so Dir is relative to the
// runner's job workspace and the destination check is delegated through
// RequireEmptyDir.
func (v *Validator) RunnerCommand(kind config.JobKind, meta json.RawMessage) Resolution {
	if !kind.Valid() {
		return Resolution{Error: reject("kind %q is not in the allowlist", kind).Error()}
	}
	b, err := v.build(kind, meta)
	if err != nil {
		return Resolution{Error: err.Error()}
	}

	dir := "."
	if b.subdir != "" {
		dir = b.subdir
	}
	return Resolution{OK: true, Exec: b.exec, Args: b.args, Dir: dir, RequireEmptyDir: b.emptyDest}
}

func (v *Validator) build(kind config.JobKind, meta json.RawMessage) (built, error) {
	var (
		b   built
		err error
	)
	switch kind {
	case config.KindProjectInit:
		b, err = v.buildProjectInit(meta)
	case config.KindRepoImport:
		b, err = v.buildRepoImport(meta)
	case config.KindCustom:
		b, err = v.buildCustom(meta)
	default:
		return built{}, reject("kind %s does not run a command", kind)
	}
	if err != nil {
		return built{}, err
	}
	if err := checkArgs(b.args); err != nil {
		return built{}, err
	}
	return b, nil
}

func (v *Validator) buildProjectInit(raw json.RawMessage) (built, error) {
	var meta dto.ProjectInitMeta
	if err := v.decode(raw, &meta); err != nil {
		return built{}, err
	}
	if !hostNameRe.MatchString(meta.HostName) {
		return built{}, reject("hostName %q is not a valid host name", meta.HostName)
	}

	args := []string{"project", "init", "--dir", ".", "--host", meta.HostName}
	if meta.TemplateRepo != "" {
		if err := CheckRepoURL(meta.TemplateRepo); err != nil {
			return built{}, err
		}
		args = append(args, "--template", meta.TemplateRepo)
	}
	if meta.Ref != "" {
		if meta.TemplateRepo == "" {
			return built{}, reject("ref requires templateRepo")
		}
		if err := checkRef(meta.Ref); err != nil {
			return built{}, err
		}
		args = append(args, "--ref", meta.Ref)
	}

	subdir, err := checkSubdir(meta.Path)
	if err != nil {
		return built{}, err
	}
	args, err = appendExtraArgs(args, string(config.KindProjectInit), meta.Args)
	if err != nil {
		return built{}, err
	}
	return built{exec: v.cfg.RunnerBin, args: args, subdir: subdir, emptyDest: true}, nil
}

func (v *Validator) buildRepoImport(raw json.RawMessage) (built, error) {
	var meta dto.RepoImportMeta
	if err := v.decode(raw, &meta); err != nil {
		return built{}, err
	}
	if err := CheckRepoURL(meta.RepoURL); err != nil {
		return built{}, err
	}

	args := []string{"repo", "import", "--dir", ".", "--repo", meta.RepoURL}
	if meta.Ref != "" {
		if err := checkRef(meta.Ref); err != nil {
			return built{}, err
		}
		args = append(args, "--ref", meta.Ref)
	}

	subdir, err := checkSubdir(meta.Path)
	if err != nil {
		return built{}, err
	}
	args, err = appendExtraArgs(args, string(config.KindRepoImport), meta.Args)
	if err != nil {
		return built{}, err
	}
	return built{exec: v.cfg.RunnerBin, args: args, subdir: subdir, emptyDest: true}, nil
}

func (v *Validator) buildCustom(raw json.RawMessage) (built, error) {
	var meta dto.CustomMeta
	if err := v.decode(raw, &meta); err != nil {
		return built{}, err
	}
	if v.cfg.CustomBinary == "" || meta.Exec != v.cfg.CustomBinary {
		return built{}, reject("binary %q is not in the custom allowlist", meta.Exec)
	}
	if len(meta.Args) == 0 {
		return built{}, reject("custom command needs a sub-verb from the allowlist")
	}

	verb := meta.Args[0]
	if strings.EqualFold(verb, forbiddenVerb) {
		return built{}, reject("sub-verb %q is forbidden", verb)
	}
	if !slices.Contains(v.cfg.CustomVerbs, verb) {
		return built{}, reject("sub-verb %q is not in the allowlist", verb)
	}
	for _, arg := range meta.Args[1:] {
		if strings.EqualFold(arg, forbiddenVerb) {
			return built{}, reject("sub-verb %q is forbidden", arg)
		}
	}

	subdir, err := checkSubdir(meta.Path)
	if err != nil {
		return built{}, err
	}
	return built{exec: meta.Exec, args: slices.Clone(meta.Args), subdir: subdir}, nil
}

// decode strictly unmarshals payloadMeta and applies the struct's validate tags.
func (v *Validator) decode(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return reject("payloadMeta is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return reject("payloadMeta is malformed: %v", err)
	}
	if err := v.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return reject("payloadMeta field %s failed %s", lowerFirst(verrs[0].Field()), verrs[0].Tag())
		}
		return reject("payloadMeta is invalid")
	}
	return nil
}

func checkRef(ref string) error {
	if !refRe.MatchString(ref) || strings.Contains(ref, "..") || strings.Contains(ref, "@{") ||
		strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") {
		return reject("ref %q is not a valid git ref", ref)
	}
	return nil
}

// checkSubdir accepts an optional relative path that stays inside the
// workspace.
func checkSubdir(p string) (string, error) {
	if p == "" || p == "." {
		return "", nil
	}
	if filepath.IsAbs(p) || strings.ContainsAny(p, "\x00\n\r\\") {
		return "", reject("path %q must be relative", p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", reject("path %q escapes the workspace", p)
	}
	return clean, nil
}

func checkEmptyDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return reject("destination directory %s does not exist", dir)
	}
	if err != nil {
		return fmt.Errorf("stat destination directory: %w", err)
	}
	if !info.IsDir() {
		return reject("destination %s is not a directory", dir)
	}

	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open destination directory: %w", err)
	}
	defer f.Close()

	names, err := f.Readdirnames(1)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read destination directory: %w", err)
	}
	if len(names) > 0 {
		return reject("destination directory %s must be empty", dir)
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
