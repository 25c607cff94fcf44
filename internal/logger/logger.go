// Package logger provides the process-wide structured logging sink built on
// zerolog. It keeps the same precedence rules and lazy-init pattern a
// global logger handle always needs, but every component that accepts a
// zerolog.Logger directly (see internal/server, internal/ingest/stream) is
// expected to be handed a child logger rather than reaching back into the
// global handle — the global handle exists for the CLI entrypoint and for
// tests; WithConn/WithStream only derive child loggers from a given one.
package logger

import (
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Environment variable name for log level configuration.
const envLogLevel = "CAMERA_INGEST_LOG_LEVEL"

var (
	global     zerolog.Logger
	initOnce   sync.Once
	currentLvl zerolog.Level

	// Optional flag (users may pass -log.level=debug). If flag.Parse() hasn't
	// yet been called when Init is invoked, we still read the raw os.Args.
	flagLevel = flag.String("log.level", "", "log level (debug, info, warn, error)")
)

// Init initializes the global logger. Safe to call multiple times; the
// first call wins except SetLevel / UseWriter which mutate state intentionally.
func Init() {
	initOnce.Do(func() {
		lvl := detectLevel()
		currentLvl = lvl
		zerolog.SetGlobalLevel(lvl)
		global = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
}

// detectLevel resolves the initial log level from (precedence high→low):
//  1. command-line flag -log.level
//  2. environment variable CAMERA_INGEST_LOG_LEVEL
//  3. default (info)
func detectLevel() zerolog.Level {
	if *flagLevel == "" {
		for _, arg := range os.Args[1:] {
			if strings.HasPrefix(arg, "-log.level=") {
				parts := strings.SplitN(arg, "=", 2)
				if len(parts) == 2 {
					*flagLevel = parts[1]
				}
			}
		}
	}
	if f := strings.TrimSpace(*flagLevel); f != "" {
		if lvl, ok := parseLevel(f); ok {
			return lvl
		}
	}
	if env := os.Getenv(envLogLevel); env != "" {
		if lvl, ok := parseLevel(env); ok {
			return lvl
		}
	}
	return zerolog.InfoLevel
}

func parseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error", "err":
		return zerolog.ErrorLevel, true
	}
	return 0, false
}

// SetLevel changes the runtime log level.
func SetLevel(level string) error {
	Init()
	lvl, ok := parseLevel(level)
	if !ok {
		return errors.New("invalid log level: " + level)
	}
	currentLvl = lvl
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Level returns the current runtime level as a string.
func Level() string {
	Init()
	return currentLvl.String()
}

// UseWriter swaps the output writer (intended for tests). Retains the level.
func UseWriter(w io.Writer) {
	Init()
	global = zerolog.New(w).With().Timestamp().Logger()
}

// Logger returns the global logger (ensures Init was called).
func Logger() *zerolog.Logger { Init(); return &global }

// WithConn attaches connection identity fields.
func WithConn(l zerolog.Logger, connID, peerAddr string) zerolog.Logger {
	return l.With().Str("conn_id", connID).Str("peer_addr", peerAddr).Logger()
}

// WithStream attaches the stream identity fields.
func WithStream(l zerolog.Logger, streamID int, listenPort int) zerolog.Logger {
	return l.With().Int("stream_id", streamID).Int("listen_port", listenPort).Logger()
}
