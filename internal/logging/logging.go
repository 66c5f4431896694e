package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger configured for stdout.
func New() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// NewWithLevel returns a stdout logger at the given level. Unknown level
// strings fall back to info.
func NewWithLevel(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return New().Level(parsed)
}

// NewJob returns a logger for a named periodic job. Entries go to stdout and
// are appended to <dir>/<name>.log as human-readable timestamped lines. The
// returned close function releases the log file.
func NewJob(dir, name string) (zerolog.Logger, func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open %s: %w", path, err)
	}

	fileWriter := zerolog.ConsoleWriter{
		Out:        file,
		NoColor:    true,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(os.Stdout, fileWriter)).
		With().
		Timestamp().
		Str("job", name).
		Logger()

	return logger, file.Close, nil
}
