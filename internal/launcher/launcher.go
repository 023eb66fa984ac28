// Package launcher runs already validated argument vectors as subprocesses.
// Commands are never passed through a shell.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const DefaultMaxOutput = 64 << 10

type Command struct {
	Exec string
	Args []string
	Dir  string
	// Env is appended to the parent environment. Use it for secrets that
	// must not appear in argv.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Exec}, c.Args...), " ")
}

type Result struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

type Launcher interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands with os/exec, keeping only the tail of each output stream.
type Exec struct {
	MaxOutput int
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed on context cancellation.
	WaitDelay time.Duration
}

func New() *Exec {
	return &Exec{MaxOutput: DefaultMaxOutput, WaitDelay: 5 * time.Second}
}

var _ Launcher = (*Exec)(nil)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Cmd, e.Code)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Exec == "" {
		return Result{}, errors.New("launcher: empty executable")
	}

	stdout := newTailBuffer(e.MaxOutput)
	stderr := newTailBuffer(e.MaxOutput)

	c := exec.CommandContext(ctx, cmd.Exec, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = e.WaitDelay
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	start := time.Now()
	err := c.Run()
	res := Result{
		ExitCode: c.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", cmd.Exec, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Cmd: cmd.Exec, Code: exitErr.ExitCode(), Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %s: %w", cmd.Exec, err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultMaxOutput
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// Tail returns at most n trailing bytes of s.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
