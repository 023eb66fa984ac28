package leasewait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/models"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedLeaser returns job on call number foundOn (1-based); 0 means never.
type scriptedLeaser struct {
	calls   int
	foundOn int
	err     error
	callsAt []time.Time
	clock   clock.Clock
}

func (l *scriptedLeaser) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	l.calls++
	l.callsAt = append(l.callsAt, l.clock.Now())
	if l.err != nil {
		return nil, l.err
	}
	if l.foundOn > 0 && l.calls == l.foundOn {
		return &models.Job{ID: "job-1", LeaseOwner: &workerID}, nil
	}
	return nil, nil
}

func TestNormalizeWaitOptions(t *testing.T) {
	tests := []struct {
		name       string
		wait, poll int64
		now        int64
		want       Options
	}{
		{
			name: "clamps wait and poll",
			wait: 120_000, poll: 1, now: 10,
			want: Options{WaitMs: 60_000, WaitPollMs: 2_000, WaitApplied: true, DeadlineMs: 60_010},
		},
		{
			name: "zero wait",
			wait: 0, poll: 5_000, now: 100,
			want: Options{WaitMs: 0, WaitPollMs: 5_000, WaitApplied: false, DeadlineMs: 100},
		},
		{
			name: "negative wait",
			wait: -5, poll: 0, now: 0,
			want: Options{WaitMs: 0, WaitPollMs: 2_000, WaitApplied: false, DeadlineMs: 0},
		},
		{
			name: "poll above max",
			wait: 30_000, poll: 99_000, now: 1_000,
			want: Options{WaitMs: 30_000, WaitPollMs: 10_000, WaitApplied: true, DeadlineMs: 31_000},
		},
		{
			name: "negative poll uses default",
			wait: 1, poll: -10, now: 0,
			want: Options{WaitMs: 1, WaitPollMs: 2_000, WaitApplied: true, DeadlineMs: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeWaitOptions(tt.wait, tt.poll, tt.now))
		})
	}
}

func TestLeaseWithWait_NoWaitCallsOnce(t *testing.T) {
	clk := clock.NewFake(epoch)
	leaser := &scriptedLeaser{clock: clk}
	opts := NormalizeWaitOptions(0, 0, clk.Now().UnixMilli())

	job, err := LeaseWithWait(context.Background(), leaser, clk, "w-1", time.Minute, opts)

	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, 1, leaser.calls)
	assert.Empty(t, clk.Sleeps())
}

func TestLeaseWithWait_TimesOutAtDeadline(t *testing.T) {
	clk := clock.NewFake(epoch)
	leaser := &scriptedLeaser{clock: clk}
	opts := NormalizeWaitOptions(5_000, 2_000, clk.Now().UnixMilli())

	job, err := LeaseWithWait(context.Background(), leaser, clk, "w-1", time.Minute, opts)

	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, time.Second}, clk.Sleeps())
	assert.Equal(t, 5*time.Second, clk.TotalSlept())
	require.Equal(t, 4, leaser.calls)
	assert.True(t, leaser.callsAt[3].Equal(epoch.Add(5*time.Second)), "last attempt lands on the deadline")
}

func TestLeaseWithWait_ReturnsEarlyWhenFound(t *testing.T) {
	clk := clock.NewFake(epoch)
	leaser := &scriptedLeaser{clock: clk, foundOn: 3}
	opts := NormalizeWaitOptions(60_000, 2_000, clk.Now().UnixMilli())

	job, err := LeaseWithWait(context.Background(), leaser, clk, "w-1", time.Minute, opts)

	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 3, leaser.calls)
	assert.Equal(t, 4*time.Second, clk.TotalSlept())
}

func TestLeaseWithWait_FoundImmediately(t *testing.T) {
	clk := clock.NewFake(epoch)
	leaser := &scriptedLeaser{clock: clk, foundOn: 1}

	job, err := LeaseWithWait(context.Background(), leaser, clk, "w-1", time.Minute, NormalizeWaitOptions(60_000, 0, 0))

	require.NoError(t, err)
	assert.NotNil(t, job)
	assert.Empty(t, clk.Sleeps())
}

func TestLeaseWithWait_StoreError(t *testing.T) {
	clk := clock.NewFake(epoch)
	boom := errors.New("store down")
	leaser := &scriptedLeaser{clock: clk, err: boom}

	_, err := LeaseWithWait(context.Background(), leaser, clk, "w-1", time.Minute, NormalizeWaitOptions(60_000, 0, clk.Now().UnixMilli()))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, leaser.calls)
}

func TestLeaseWithWait_ContextCanceled(t *testing.T) {
	clk := clock.NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	clk.OnSleep = func(time.Duration) { cancel() }
	leaser := &scriptedLeaser{clock: clk}

	_, err := LeaseWithWait(ctx, leaser, clk, "w-1", time.Minute, NormalizeWaitOptions(60_000, 0, clk.Now().UnixMilli()))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, leaser.calls)
}
