package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_InvalidSpec(t *testing.T) {
	t.Parallel()

	_, err := New("61 * * * *", time.UTC, func(context.Context) {}, nil)
	require.ErrorContains(t, err, "invalid spec")
}

func TestNext(t *testing.T) {
	t.Parallel()

	s, err := New("30 6 * * 1-5", time.UTC, func(context.Context) {}, nil)
	require.NoError(t, err)

	// 2026-10-17 is a Saturday
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 19, 6, 30, 0, 0, time.UTC), s.Next(now))

	s, err = New("@every 15m", time.UTC, func(context.Context) {}, nil)
	require.NoError(t, err)
	require.Equal(t, now.Add(15*time.Minute), s.Next(now))
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	s, err := New("@hourly", time.UTC, func(context.Context) {
		runs.Add(1)
		started <- struct{}{}
		<-release
	}, nil)
	require.NoError(t, err)

	job := s.cron.Entry(s.id).WrappedJob
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Run()
	}()
	<-started

	// the second activation returns immediately while the first is running
	job.Run()
	require.Equal(t, int32(1), runs.Load())

	close(release)
	wg.Wait()
}

func TestRun_CancelsJobContextOnShutdown(t *testing.T) {
	t.Parallel()

	jobDone := make(chan error, 1)
	s, err := New("@hourly", time.UTC, func(ctx context.Context) {
		<-ctx.Done()
		jobDone <- ctx.Err()
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	go s.cron.Entry(s.id).WrappedJob.Run()
	cancel()

	require.NoError(t, <-errCh)
	require.ErrorIs(t, <-jobDone, context.Canceled)
}

func TestKVFields(t *testing.T) {
	t.Parallel()

	f := kvFields([]any{"entry", 3, "next", "soon", "dangling"})
	require.Equal(t, 3, f["entry"])
	require.Equal(t, "soon", f["next"])
	require.Len(t, f, 2)
}
