package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamsocket/simple-artifact-server/internal/command"
	"github.com/jamsocket/simple-artifact-server/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// pollUntil polls cond every 10ms until it returns true or timeout elapses.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSupervisor_SpawnCapturesOutput(t *testing.T) {
	spec, err := command.Parse(`sh -c 'echo hello; echo world; sleep 5'`)
	require.NoError(t, err)

	s := New(spec, 9090, testLogger(t), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	require.True(t, pollUntil(t, time.Second, s.Running))

	ok := pollUntil(t, time.Second, func() bool {
		return strings.Contains(s.Stdout(), "hello") && strings.Contains(s.Stdout(), "world")
	})
	assert.True(t, ok, "expected stdout to contain both lines, got %q", s.Stdout())
}

func TestSupervisor_ExitAppendsMessage(t *testing.T) {
	spec, err := command.Parse("true")
	require.NoError(t, err)

	s := New(spec, 9090, testLogger(t), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	ok := pollUntil(t, time.Second, func() bool { return !s.Running() })
	require.True(t, ok)

	ok = pollUntil(t, time.Second, func() bool {
		return strings.Contains(s.Stdout(), "Subprocess exited with code: 0")
	})
	assert.True(t, ok, "expected exit message in ring, got %q", s.Stdout())
}

func TestSupervisor_RestartThenAwait(t *testing.T) {
	spec, err := command.Parse("sleep 30")
	require.NoError(t, err)

	s := New(spec, 9090, testLogger(t), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	require.True(t, pollUntil(t, time.Second, s.Running))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Restart(ctx))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	assert.NoError(t, s.WaitForReload(waitCtx))
	assert.True(t, s.Running())
}

func TestSupervisor_AwaitReturnsImmediatelyWhenRunning(t *testing.T) {
	spec, err := command.Parse("sleep 30")
	require.NoError(t, err)

	s := New(spec, 9090, testLogger(t), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	require.True(t, pollUntil(t, time.Second, s.Running))

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForReload(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSupervisor_ShutdownKillsChild(t *testing.T) {
	spec, err := command.Parse("sleep 30")
	require.NoError(t, err)

	s := New(spec, 9090, testLogger(t), nil)
	require.True(t, pollUntil(t, time.Second, s.Running))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.ErrorIs(t, s.Restart(ctx2), ErrQueueClosed)
}
