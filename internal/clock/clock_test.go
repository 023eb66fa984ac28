package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_SleepAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var hooked []time.Duration
	c.OnSleep = func(d time.Duration) { hooked = append(hooked, d) }

	require.NoError(t, c.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))
	c.Advance(time.Minute)

	assert.Equal(t, start.Add(time.Minute+5*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, c.Sleeps())
	assert.Equal(t, 5*time.Second, c.TotalSlept())
	assert.Equal(t, c.Sleeps(), hooked)
}

func TestFake_SleepCanceled(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Sleeps())
}

func TestReal_Sleep(t *testing.T) {
	c := Real()
	assert.Equal(t, time.UTC, c.Now().Location())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, c.Sleep(context.Background(), time.Millisecond))
}
