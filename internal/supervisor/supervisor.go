// Package supervisor holds the process-level concerns of the agentcore
// binary: signal handling, panic recovery for long-running goroutines and
// the PID file. The core packages never install global handlers themselves.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/observability"
)

// Supervisor runs named goroutines and owns the PID file.
type Supervisor struct {
	pidFile string
	logger  zerolog.Logger

	wg     sync.WaitGroup
	panics atomic.Int64
	mu     sync.Mutex
	failed map[string]error
}

// New creates a supervisor. An empty pidFile disables PID handling.
func New(pidFile string) *Supervisor {
	return &Supervisor{
		pidFile: pidFile,
		logger:  log.With().Str("component", "supervisor").Logger(),
		failed:  make(map[string]error),
	}
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func (s *Supervisor) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			s.logger.Info().Msg("Shutdown signal received")
		}
	}()
	return ctx, stop
}

// Go runs fn in a goroutine. A panic is recovered, logged with its stack and
// recorded as the goroutine's error.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err := fmt.Errorf("panic: %v", r)
				s.record(name, err)
				s.logger.Error().
					Str("goroutine", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Supervised goroutine panicked")
				observability.GetAuditLogger().Record(ctx, observability.AuditEvent{
					Category: "supervisor",
					Action:   "panic_recovered",
					Subject:  name,
					Status:   "failure",
					Details:  map[string]any{"panic": fmt.Sprint(r)},
				})
			}
		}()

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.record(name, err)
			s.logger.Error().Err(err).Str("goroutine", name).Msg("Supervised goroutine failed")
		}
	}()
}

// OnSignal runs fn each time one of sigs arrives until ctx is done. The
// signals are registered before OnSignal returns.
func (s *Supervisor) OnSignal(ctx context.Context, name string, fn func() error, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	s.Go(ctx, name, func(ctx context.Context) error {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-ch:
				if err := fn(); err != nil {
					s.logger.Warn().Err(err).Str("handler", name).Str("signal", sig.String()).Msg("Signal handler failed")
					continue
				}
				s.logger.Info().Str("handler", name).Str("signal", sig.String()).Msg("Signal handled")
			}
		}
	})
}

func (s *Supervisor) record(name string, err error) {
	s.mu.Lock()
	s.failed[name] = err
	s.mu.Unlock()
}

// Err returns the error recorded for the named goroutine, if any.
func (s *Supervisor) Err(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[name]
}

// Panics returns how many supervised goroutines have panicked.
func (s *Supervisor) Panics() int64 { return s.panics.Load() }

// Wait blocks until every supervised goroutine returns or timeout elapses.
// It reports whether all goroutines finished.
func (s *Supervisor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for supervised goroutines")
		return false
	}
}

// WritePID writes the current process ID, refusing when another live
// process already owns the file.
func (s *Supervisor) WritePID() error {
	if s.pidFile == "" {
		return nil
	}
	if IsRunning(s.pidFile) {
		pid, _ := ReadPID(s.pidFile)
		if pid != os.Getpid() {
			return fmt.Errorf("already running with PID %d (PID file: %s)", pid, s.pidFile)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(s.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	s.logger.Info().Str("pid_file", s.pidFile).Int("pid", os.Getpid()).Msg("PID file written")
	return nil
}

// RemovePID deletes the PID file. A missing file is not an error.
func (s *Supervisor) RemovePID() error {
	if s.pidFile == "" {
		return nil
	}
	if err := os.Remove(s.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// PIDFile returns the PID file path.
func (s *Supervisor) PIDFile() string { return s.pidFile }

// ReadPID reads the process ID stored in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the process named in the PID file is alive.
func IsRunning(path string) bool {
	pid, err := ReadPID(path)
	if err != nil || pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 probes for existence
	return process.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the process named in the PID file.
func Signal(path string, sig os.Signal) error {
	pid, err := ReadPID(path)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}
