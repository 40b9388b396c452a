package scheduling

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return New(time.UTC, zerolog.New(io.Discard))
}

func TestAdd_RejectsInvalidSpec(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Add("archive", "not a cron spec", time.Minute, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("archive", "15 0 * * *", time.Minute, noop))
	assert.Error(t, s.Add("archive", "30 0 * * *", time.Minute, noop))
}

func TestNext_UsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Skip("tzdata not available")
	}
	s := New(loc, zerolog.New(io.Discard))
	require.NoError(t, s.Add("archive", "15 0 * * *", time.Minute, func(context.Context) error { return nil }))

	s.Start()
	defer s.Stop(context.Background())

	next, ok := s.Next("archive")
	require.True(t, ok)
	local := next.In(loc)
	assert.Equal(t, 0, local.Hour())
	assert.Equal(t, 15, local.Minute())

	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestScheduler_RunsJob(t *testing.T) {
	s := newTestScheduler(t)
	var runs int32
	done := make(chan struct{}, 1)
	require.NoError(t, s.Add("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			done <- struct{}{}
		}
		return errors.New("failures are logged, not fatal")
	}))

	s.Start()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	require.NoError(t, s.Stop(context.Background()))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(1))
}

func TestStop_CancelsRunningJob(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Add("slow", "@every 1s", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-cancelled:
	default:
		t.Fatal("running job was not cancelled")
	}
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("15 0 * * *"))
	assert.NoError(t, ValidateSpec("@daily"))
	assert.Error(t, ValidateSpec("61 0 * * *"))
	assert.Error(t, ValidateSpec(""))
}
