package session

import "time"

// Config tunes session lifetime, recovery and windowing.
type Config struct {
	SessionTTL  time.Duration // idle time after which a session is recreated
	RecoveryGap time.Duration // idle time after which Recover consults snapshots
	SnapshotTTL time.Duration

	MaxMessages      int            // global live-message cap
	RoleCaps         map[string]int // optional per-role caps, applied first
	DigestEntryChars int
	DigestMaxChars   int

	// StrictVersioning rejects writes whose expected version does not match
	// storage. When false the mismatch is logged and the write proceeds.
	StrictVersioning bool

	IntentClassifier IntentClassifier
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SessionTTL:       24 * time.Hour,
		RecoveryGap:      30 * time.Minute,
		SnapshotTTL:      24 * time.Hour,
		MaxMessages:      50,
		DigestEntryChars: 120,
		DigestMaxChars:   4000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.RecoveryGap <= 0 {
		c.RecoveryGap = d.RecoveryGap
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = d.SnapshotTTL
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.DigestEntryChars <= 0 {
		c.DigestEntryChars = d.DigestEntryChars
	}
	if c.DigestMaxChars <= 0 {
		c.DigestMaxChars = d.DigestMaxChars
	}
	if c.IntentClassifier == nil {
		c.IntentClassifier = DefaultIntentClassifier()
	}
	return c
}
