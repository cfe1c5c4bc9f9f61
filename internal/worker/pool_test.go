package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasksAndCountsOutcomes(t *testing.T) {
	var mu sync.Mutex
	var failures []string
	p := New(Options{Workers: 2, QueueSize: 8, OnError: func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, name)
	}})

	var ran atomic.Int32
	p.Go("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	p.Go("fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	p.Go("panics", func(ctx context.Context) error {
		panic("bad task")
	})

	require.NoError(t, p.Close(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, int32(1), ran.Load())
	assert.ElementsMatch(t, []string{"fails", "panics"}, failures)
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	p.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	p.Go("queued", func(ctx context.Context) error { return nil })
	p.Go("overflow", func(ctx context.Context) error { return nil })

	assert.Equal(t, uint64(1), p.Stats().Dropped)
	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, uint64(2), p.Stats().Succeeded)
}

func TestPoolTaskGetsTimeout(t *testing.T) {
	p := New(Options{Workers: 1, TaskTimeout: 20 * time.Millisecond})
	errs := make(chan error, 1)
	p.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task context never expired")
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPoolAfterDelaysSubmission(t *testing.T) {
	p := New(Options{Workers: 1})
	defer p.Close(context.Background())

	start := time.Now()
	done := make(chan time.Duration, 1)
	p.After(30*time.Millisecond, "delayed", func(ctx context.Context) error {
		done <- time.Since(start)
		return nil
	})

	select {
	case elapsed := <-done:
		assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	p := New(Options{Workers: 1})
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	p.Go("late", func(ctx context.Context) error { return nil })
	assert.Equal(t, uint64(1), p.Stats().Dropped)
	assert.Equal(t, uint64(0), p.Stats().Submitted)
}
