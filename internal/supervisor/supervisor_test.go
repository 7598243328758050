package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestSupervisor_RestartsPanickingWorker(t *testing.T) {
	var runs atomic.Int32
	var restarted atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := New("test",
		WithBackoff(fastBackoff),
		WithRestartHook(func(worker string, err error) {
			var pe *PanicError
			if errors.As(err, &pe) {
				restarted.Add(1)
			}
		}),
	)
	sup.Add(Spec{Worker: Func{WorkerName: "actor", Fn: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}}})

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, int32(2), restarted.Load())
}

func TestSupervisor_RestartLimitStopsEverything(t *testing.T) {
	sup := New("test", WithBackoff(fastBackoff))
	sup.Add(Spec{
		Worker:      Func{WorkerName: "flaky", Fn: func(ctx context.Context) error { return errors.New("nope") }},
		MaxRestarts: 2,
	})
	otherStopped := make(chan struct{})
	sup.Add(Spec{Worker: Func{WorkerName: "steady", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		close(otherStopped)
		return nil
	}}})

	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, ErrRestartLimit)
	<-otherStopped
}

func TestSupervisor_TransientCleanExitIsFinal(t *testing.T) {
	var runs atomic.Int32
	sup := New("test", WithBackoff(fastBackoff))
	sup.Add(Spec{
		Worker:   Func{WorkerName: "once", Fn: func(ctx context.Context) error { runs.Add(1); return nil }},
		Strategy: Transient,
	})
	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestSupervisor_TemporaryNeverRestarts(t *testing.T) {
	var runs atomic.Int32
	sup := New("test", WithBackoff(fastBackoff))
	sup.Add(Spec{
		Worker:   Func{WorkerName: "oneshot", Fn: func(ctx context.Context) error { runs.Add(1); return errors.New("failed") }},
		Strategy: Temporary,
	})
	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestRestartStrategy_String(t *testing.T) {
	assert.Equal(t, "permanent", Permanent.String())
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "temporary", Temporary.String())
	assert.Equal(t, "unknown", RestartStrategy(9).String())
}
