package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// SetLevel applies a textual level ("debug", "info", ...) to the global logger.
// Unknown levels leave the logger untouched and return the parse error.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	Log = Log.Level(lvl)
	return nil
}

// ForTask returns a child logger tagged with the task id.
func ForTask(taskID string) zerolog.Logger {
	return Log.With().Str("task_id", taskID).Logger()
}

// Mask shortens a secret for log output, keeping only its first 6 characters.
func Mask(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:6] + "..."
}
