// Package leasewait turns a single lease attempt into a bounded long poll.
package leasewait

import (
	"context"
	"time"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

const (
	MaxWaitMs     = 60_000
	MinPollMs     = 2_000
	MaxPollMs     = 10_000
	DefaultPollMs = MinPollMs
)

type Options struct {
	WaitMs      int64
	WaitPollMs  int64
	WaitApplied bool
	DeadlineMs  int64
}

type Leaser interface {
	LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
}

// NormalizeWaitOptions clamps caller-supplied wait and poll intervals.
// nowMs is the current time in Unix milliseconds.
func NormalizeWaitOptions(waitMsRaw, pollMsRaw, nowMs int64) Options {
	wait := min(max(waitMsRaw, 0), MaxWaitMs)

	poll := pollMsRaw
	if poll <= 0 {
		poll = DefaultPollMs
	}
	poll = min(max(poll, MinPollMs), MaxPollMs)

	return Options{
		WaitMs:      wait,
		WaitPollMs:  poll,
		WaitApplied: wait > 0,
		DeadlineMs:  nowMs + wait,
	}
}

// LeaseWithWait leases immediately and, when a wait applies, keeps retrying
// every WaitPollMs until a job is found or the deadline passes. The final
// sleep is shortened so one last attempt happens exactly at the deadline.
func LeaseWithWait(ctx context.Context, leaser Leaser, clk clock.Clock, workerID string, lease time.Duration, opts Options) (*models.Job, error) {
	for {
		job, err := leaser.LeaseNext(ctx, workerID, lease)
		if err != nil || job != nil {
			return job, err
		}
		if !opts.WaitApplied {
			return nil, nil
		}

		remaining := opts.DeadlineMs - clk.Now().UnixMilli()
		if remaining <= 0 {
			return nil, nil
		}

		sleep := time.Duration(min(opts.WaitPollMs, remaining)) * time.Millisecond
		if err := clk.Sleep(ctx, sleep); err != nil {
			return nil, err
		}
	}
}
