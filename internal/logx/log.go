// Package logx provides the agent's structured logging handle.
//
// A single package-level *logrus.Logger serves the whole process.
// cmd/routerd sets its level once at startup, and components derive their
// scoped *logrus.Entry values from Base() with the With* helpers.
package logx

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logrus instance. cmd/routerd/main.go sets its
// level from the loaded configuration; components reach it through Base().
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// SetLevel sets the logging level from the config file's log_level key.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output, used by tests to capture log lines.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches to structured JSON output for log aggregation.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// Base returns a root *logrus.Entry over Logger, from which components
// derive their scoped loggers.
func Base() *logrus.Entry {
	return logrus.NewEntry(Logger)
}

// WithAdapter scopes a logger to a named firmware adapter.
func WithAdapter(entry *logrus.Entry, name string) *logrus.Entry {
	return entry.WithField("adapter", name)
}

// WithSession scopes a logger to the connection session component.
func WithSession(entry *logrus.Entry) *logrus.Entry {
	return entry.WithField("component", "session")
}

// WithComponent scopes a logger to an arbitrary named component.
func WithComponent(entry *logrus.Entry, name string) *logrus.Entry {
	return entry.WithField("component", name)
}

// WithRequest scopes a logger to an inbound request id, for correlating a
// dispatch's log lines with its reply frame.
func WithRequest(entry *logrus.Entry, requestID string) *logrus.Entry {
	return entry.WithField("request_id", requestID)
}
