package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPool_ConcurrencyLimit(t *testing.T) {
	pool := NewRunPool(2)
	defer pool.Shutdown()

	var running, peak atomic.Int64
	for range 6 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(6), pool.Metrics().Completed)
}

func TestRunPool_FailuresAndPanics(t *testing.T) {
	pool := NewRunPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(0), m.Active)
}

func TestRunPool_SubmitRespectsContextWhenFull(t *testing.T) {
	pool := NewRunPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Shutdown()
}

func TestRunPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewRunPool(1)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
