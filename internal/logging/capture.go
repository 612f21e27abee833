package logging

import (
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Capture collects log entries for test assertions.
// Use CaptureForTest to install it on the shared logger.
type Capture struct {
	mu      sync.Mutex
	entries []logrus.Entry

	prevHooks logrus.LevelHooks
	prevOut   io.Writer
	prevLevel logrus.Level
}

// CaptureForTest installs a capturing hook on the shared logger, silences
// its output and lowers the level to debug.
// Call Restore() when done (typically via defer).
func CaptureForTest() *Capture {
	c := &Capture{
		prevOut:   base.Out,
		prevLevel: base.GetLevel(),
	}
	c.prevHooks = base.ReplaceHooks(logrus.LevelHooks{})
	base.AddHook(&captureHook{capture: c})
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.DebugLevel)
	return c
}

// Restore reinstates the previous hooks, output and level.
func (c *Capture) Restore() {
	base.ReplaceHooks(c.prevHooks)
	base.SetOutput(c.prevOut)
	base.SetLevel(c.prevLevel)
}

// Entries returns a copy of all captured entries.
func (c *Capture) Entries() []logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]logrus.Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Has reports whether any captured entry matches level and contains
// msgSubstring in its message.
func (c *Capture) Has(level logrus.Level, msgSubstring string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Level == level && strings.Contains(e.Message, msgSubstring) {
			return true
		}
	}
	return false
}

// Count returns the number of captured entries at the given level.
func (c *Capture) Count(level logrus.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

// captureHook is a logrus.Hook that appends entries to a Capture.
type captureHook struct {
	capture *Capture
}

func (h *captureHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *captureHook) Fire(e *logrus.Entry) error {
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	h.capture.entries = append(h.capture.entries, *e)
	return nil
}
