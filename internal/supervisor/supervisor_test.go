package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_RecoversPanic(t *testing.T) {
	s := New("")

	s.Go(t.Context(), "bad", func(context.Context) error { panic("boom") })
	s.Go(t.Context(), "fails", func(context.Context) error { return errors.New("nope") })
	s.Go(t.Context(), "ok", func(context.Context) error { return nil })

	require.True(t, s.Wait(time.Second))
	assert.Equal(t, int64(1), s.Panics())
	assert.EqualError(t, s.Err("bad"), "panic: boom")
	assert.EqualError(t, s.Err("fails"), "nope")
	assert.NoError(t, s.Err("ok"))
}

func TestGo_CancelledIsNotAFailure(t *testing.T) {
	s := New("")
	ctx, cancel := context.WithCancel(t.Context())

	s.Go(ctx, "loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	require.True(t, s.Wait(time.Second))
	assert.NoError(t, s.Err("loop"))
}

func TestWait_Timeout(t *testing.T) {
	s := New("")
	release := make(chan struct{})
	s.Go(t.Context(), "slow", func(context.Context) error {
		<-release
		return nil
	})

	assert.False(t, s.Wait(20*time.Millisecond))
	close(release)
	assert.True(t, s.Wait(time.Second))
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "agentcore.pid")
	s := New(path)

	require.NoError(t, s.WritePID())
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(path))

	// rewriting our own PID is allowed
	require.NoError(t, s.WritePID())

	require.NoError(t, s.RemovePID())
	assert.False(t, IsRunning(path))
	require.NoError(t, s.RemovePID())
}

func TestIsRunning_StaleOrInvalid(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0644))
	assert.False(t, IsRunning(garbage))
	_, err := ReadPID(garbage)
	assert.ErrorContains(t, err, "invalid PID file")

	assert.False(t, IsRunning(filepath.Join(dir, "missing.pid")))

	stale := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(stale, []byte(strconv.Itoa(1<<22+12345)), 0644))
	assert.False(t, IsRunning(stale))
}

func TestDisabledPIDFile(t *testing.T) {
	s := New("")
	assert.NoError(t, s.WritePID())
	assert.NoError(t, s.RemovePID())
	assert.Empty(t, s.PIDFile())
}

func TestNotifyContext_ParentCancel(t *testing.T) {
	s := New("")
	parent, cancel := context.WithCancel(t.Context())
	ctx, stop := s.NotifyContext(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with parent")
	}
}

func TestOnSignal(t *testing.T) {
	s := New("")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var calls atomic.Int32
	s.OnSignal(ctx, "reopen", func() error {
		calls.Add(1)
		return nil
	}, syscall.SIGHUP)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.True(t, s.Wait(time.Second))
	assert.NoError(t, s.Err("reopen"))
}
