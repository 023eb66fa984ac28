// fleetctl is the operator CLI for fleetd. It talks to the control API
// over the local unix socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/joshu-sajeev/fleetq/internal/dto"
)

const usage = `usage: fleetctl [global flags] <command> [flags]

commands:
  enqueue   create a job
  list      list jobs
  show      show one job
  cancel    cancel a job

global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command. A nil cl dials the socket named by --socket.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, cl *client) error {
	var (
		socket  string
		format  string
		timeout time.Duration
	)

	global := pflag.NewFlagSet("fleetctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	global.StringVar(&socket, "socket", envOr("CONTROL_SOCKET", "/run/fleetq/control.sock"), "fleetd control socket")
	global.StringVarP(&format, "output", "o", formatTable, "output format: table, json or yaml")
	global.DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := checkFormat(format); err != nil {
		return err
	}

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("missing command")
	}
	if cl == nil {
		cl = newUnixClient(socket, timeout)
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "enqueue":
		return runEnqueue(ctx, cl, cmdArgs, stdout, stderr, format)
	case "list":
		return runList(ctx, cl, cmdArgs, stdout, stderr, format)
	case "show":
		id, err := singleID("show", cmdArgs)
		if err != nil {
			return err
		}
		job, err := cl.get(ctx, id)
		if err != nil {
			return err
		}
		return renderJob(stdout, format, job)
	case "cancel":
		id, err := singleID("cancel", cmdArgs)
		if err != nil {
			return err
		}
		resp, err := cl.cancel(ctx, id)
		if err != nil {
			return err
		}
		if format == formatTable {
			_, err = fmt.Fprintf(stdout, "%s %s\n", resp.JobID, resp.Status)
			return err
		}
		return render(stdout, format, resp)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runEnqueue(ctx context.Context, cl *client, args []string, stdout, stderr io.Writer, format string) error {
	var (
		req         dto.JobCreateDTO
		payload     string
		payloadMeta string
		runAt       string
	)

	fs := pflag.NewFlagSet("enqueue", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&req.Kind, "kind", "", "job kind (required)")
	fs.StringVar(&payload, "payload", "", "payload JSON, or @file to read it from a file")
	fs.StringVar(&payloadMeta, "payload-meta", "", "payloadMeta JSON for command kinds, or @file")
	fs.StringVar(&req.Requester, "requester", envOr("USER", ""), "requester recorded on the job")
	fs.StringVar(&req.IdempotencyKey, "idempotency-key", "", "deduplicate enqueues sharing this key")
	fs.IntVar(&req.Priority, "priority", 0, "higher runs first")
	fs.IntVar(&req.MaxAttempts, "max-attempts", 0, "attempts before the job fails (0 uses the server default)")
	fs.StringVar(&runAt, "run-at", "", "RFC3339 time before which the job is not leased")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if req.Kind == "" {
		return errors.New("enqueue: --kind is required")
	}

	var err error
	if req.Payload, err = readJSONArg("payload", payload); err != nil {
		return err
	}
	if req.PayloadMeta, err = readJSONArg("payload-meta", payloadMeta); err != nil {
		return err
	}
	if runAt != "" {
		t, err := time.Parse(time.RFC3339, runAt)
		if err != nil {
			return fmt.Errorf("enqueue: --run-at: %w", err)
		}
		req.RunAt = &t
	}

	resp, err := cl.enqueue(ctx, req)
	if err != nil {
		return err
	}
	if format == formatTable {
		suffix := ""
		if resp.Deduplicated {
			suffix = " (existing job)"
		}
		_, err = fmt.Fprintf(stdout, "%s %s%s\n", resp.JobID, resp.Status, suffix)
		return err
	}
	return render(stdout, format, resp)
}

func runList(ctx context.Context, cl *client, args []string, stdout, stderr io.Writer, format string) error {
	var (
		q        dto.ListJobsQuery
		statuses []string
		kinds    []string
	)

	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&q.Requester, "requester", "", "only jobs from this requester")
	fs.StringSliceVar(&statuses, "status", nil, "only these statuses (comma separated)")
	fs.StringSliceVar(&kinds, "kind", nil, "only these kinds (comma separated)")
	fs.IntVar(&q.Limit, "limit", 0, "maximum number of jobs (0 uses the server default)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	q.Status = strings.Join(statuses, ",")
	q.Kind = strings.Join(kinds, ",")

	jobs, err := cl.list(ctx, q)
	if err != nil {
		return err
	}
	return renderJobs(stdout, format, jobs)
}

func singleID(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("usage: fleetctl %s <job-id>", cmd)
	}
	return args[0], nil
}

// readJSONArg accepts inline JSON or @path. Empty input yields nil.
func readJSONArg(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("--%s is not valid JSON", name)
	}
	return json.RawMessage(data), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
