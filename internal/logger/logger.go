package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process-wide zerolog writer. Packages log through the
// global log.Logger; Logger exists so the host can reopen and close the file.
type Logger struct {
	logger   zerolog.Logger
	file     *reopenFile
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	File      string // optional log file path
	Console   bool
	Pretty    bool
	Redaction bool // scrub credentials and connection strings
	// RedactPatterns are extra regular expressions scrubbed when Redaction is on.
	RedactPatterns []string
	Service        string
}

// New builds the logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var writers []io.Writer
	if cfg.Console {
		var consoleWriter io.Writer = os.Stderr
		if cfg.Pretty {
			consoleWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		writers = append(writers, consoleWriter)
	}

	var file *reopenFile
	if cfg.File != "" {
		var err error
		if file, err = openLogFile(cfg.File); err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stderr
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		for _, p := range cfg.RedactPatterns {
			if err := redactor.AddPattern(p); err != nil {
				if file != nil {
					_ = file.Close()
				}
				return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
			}
		}
		writer = redactor.Wrap(writer)
	}

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.Service != "" {
		zctx = zctx.Str("service", cfg.Service)
	}
	logger := zctx.Logger()

	log.Logger = logger
	zerolog.SetGlobalLevel(level)

	return &Logger{
		logger:   logger,
		file:     file,
		redactor: redactor,
	}, nil
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// SetLevel changes the global level at runtime.
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return fmt.Errorf("invalid log level: %q", level)
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// Reopen reopens the log file at its configured path, for use after an
// external rotation moved the old file away.
func (l *Logger) Reopen() error {
	if l.file == nil {
		return nil
	}
	return l.file.reopen()
}

// Close closes the logger and any open files
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Redaction: true,
		Service:   "agentcore",
	}
}

// reopenFile is an append-only file writer whose descriptor can be swapped
// while other goroutines are logging.
type reopenFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openLogFile(path string) (*reopenFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &reopenFile{path: path, f: f}, nil
}

func (r *reopenFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

func (r *reopenFile) reopen() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %w", err)
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (r *reopenFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
