package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileLayout names the daily log file inside Options.Dir
const FileLayout = "lcu_agent_20060102.log"

// Options configures New
type Options struct {
	// Level is a zerolog level name; empty means info
	Level string
	// Dir receives a daily log file; empty logs to Console only
	Dir string
	// Console defaults to stderr
	Console io.Writer
	NoColor bool
	// Now picks the log file date; defaults to time.Now
	Now func() time.Time
}

// New builds the root logger. The returned closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		NoColor:    opts.NoColor,
		TimeFormat: time.TimeOnly,
	}}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		now := opts.Now
		if now == nil {
			now = time.Now
		}
		f, err := openDailyFile(opts.Dir, now())
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// FilePath returns the log file used on the given day
func FilePath(dir string, day time.Time) string {
	return filepath.Join(dir, day.Format(FileLayout))
}

func openDailyFile(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(FilePath(dir, day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
