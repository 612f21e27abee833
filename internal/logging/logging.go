package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init configures the shared logger. Call once at startup.
// levelStr: "debug", "info", "warn", "error" (default: "info").
// format: "text" or "json" (default: "text").
func Init(levelStr, format string) {
	base.SetLevel(parseLevel(levelStr))
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// For returns a logger tagged with the given component name.
// Entries share the base logger, so level and hook changes made later
// (e.g. via CaptureForTest) apply to package-level loggers too.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Logger exposes the shared logger for integrations that need an io.Writer.
func Logger() *logrus.Logger {
	return base
}

// SetLevel changes the log level at runtime.
func SetLevel(l logrus.Level) {
	base.SetLevel(l)
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
