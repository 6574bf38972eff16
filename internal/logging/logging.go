// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger.
type Config struct {
	Level  string    // zerolog level name; empty = info
	Pretty bool      // human-readable console output
	Output io.Writer // nil = runtime log file, falling back to stderr
}

// Init sets log.Logger and the global level. The returned func releases
// the runtime log file, if one was opened.
func Init(cfg Config) (func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return func() {}, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
		}
		level = lvl
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	cleanup := func() {}
	if out == nil {
		out, cleanup = openRuntimeLog()
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000", NoColor: out != os.Stderr}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return cleanup, nil
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// StateDir returns ~/.local/state/faultline.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "faultline"), nil
}

func openRuntimeLog() (io.Writer, func()) {
	dir, err := StateDir()
	if err != nil {
		return os.Stderr, func() {}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return os.Stderr, func() {}
	}
	f, err := os.OpenFile(filepath.Join(dir, "faultline.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stderr, func() {}
	}
	return f, func() {
		_ = f.Close()
	}
}
