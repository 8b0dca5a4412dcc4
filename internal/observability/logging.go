package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a structured logger tagged with component. Output is
// JSON on stdout unless PERP_LOG_FORMAT=console. The level comes from
// PERP_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("PERP_LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, component, parseLogLevel(os.Getenv("PERP_LOG_LEVEL")))
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
