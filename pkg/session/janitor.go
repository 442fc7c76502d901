package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultJanitorSchedule runs cleanup every five minutes.
const DefaultJanitorSchedule = "@every 5m"

// Janitor periodically purges expired storage items and idle sessions.
type Janitor struct {
	manager  *Manager
	schedule string
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewJanitor creates a janitor for manager. An empty schedule uses
// DefaultJanitorSchedule.
func NewJanitor(manager *Manager, schedule string) *Janitor {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	return &Janitor{manager: manager, schedule: schedule, timeout: time.Minute}
}

// Start schedules the cleanup job.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Session janitor run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.running = true

	log.Info().Str("schedule", j.schedule).Msg("Session janitor started")
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return fmt.Errorf("janitor is not running")
	}
	<-j.cron.Stop().Done()
	j.running = false
	log.Info().Msg("Session janitor stopped")
	return nil
}

// IsRunning reports whether the janitor is scheduled.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// RunOnce purges expired items and idle sessions and returns the total removed.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	expired, err := j.manager.store.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage cleanup: %w", err)
	}
	purged, err := j.manager.PurgeExpired(ctx)
	if err != nil {
		return expired, err
	}
	if total := expired + purged; total > 0 {
		log.Debug().Int("expired_items", expired).Int("sessions", purged).Msg("Session janitor pass complete")
	}
	return expired + purged, nil
}
