package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv and FormatEnv name the environment variables read by Init.
const (
	LevelEnv  = "POD_LOG_LEVEL"
	FormatEnv = "POD_LOG_FORMAT"
)

// Init initializes the global logger with configuration from environment variables.
// POD_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
// POD_LOG_FORMAT=json writes structured JSON (Lambda); anything else uses the console writer.
func Init() {
	InitWith(os.Getenv(LevelEnv), os.Getenv(FormatEnv), os.Stderr)
}

// InitWith configures the global logger explicitly.
func InitWith(level, format string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
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
