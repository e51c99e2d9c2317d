package ratelimit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context, time.Time) (int, error) {
	return 0, errors.New("boom")
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	require.NoError(t, store.PutAttempts(ctx, "a", AttemptEntry{Count: 1, ResetAt: clock.Now().Add(-time.Second)}))
	require.NoError(t, store.PutAttempts(ctx, "b", AttemptEntry{Count: 1, ResetAt: clock.Now().Add(time.Hour)}))

	observed := map[string]int{}
	held := map[string][2]int{}
	sweeper := NewSweeper(
		WithSweepClock(clock.Now),
		WithSweepLogger(quietLogger()),
		WithSweepObserver(func(name string, n int) { observed[name] += n }),
		WithSizeObserver(func(name string, attempts, lockouts int) { held[name] = [2]int{attempts, lockouts} }),
	)
	sweeper.Register("memory", store)
	sweeper.Register("broken", failingSweeper{})

	assert.Equal(t, 1, sweeper.RunOnce(ctx))
	assert.Equal(t, map[string]int{"memory": 1}, observed)
	assert.Equal(t, map[string][2]int{"memory": {1, 0}}, held)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, sweeper.RunOnce(ctx))
}

func TestSweeperStartStop(t *testing.T) {
	sweeper := NewSweeper(WithSweepLogger(quietLogger()))
	require.NoError(t, sweeper.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sweeper.Stop(ctx)
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(WithSchedule("not a schedule"))
	assert.Error(t, sweeper.Start())
}
