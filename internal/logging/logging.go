// Package logging wraps zerolog with the component/node logger pattern
// used throughout the system. Every component (gateway connection, store
// node, replace round, manager) takes a child logger from Init's global
// instance rather than the standard log package, so severity and
// component end up as structured fields on every line.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's output format and destination, mirroring the
// server CLI's verbose/logfile flags.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets the package-global Logger. Call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component("gateway") or logging.Component("replace").
func Component(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a node address, used by
// server-node components to distinguish log lines in a multi-node test
// harness or aggregated log stream.
func WithNode(addr string) zerolog.Logger {
	return Logger.With().Str("node", addr).Logger()
}
