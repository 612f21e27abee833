package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"info", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"bogus", logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestForTagsComponent(t *testing.T) {
	c := CaptureForTest()
	defer c.Restore()

	For("store").Warn("snapshot is stale")

	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("captured %d entries, want 1", len(entries))
	}
	if got := entries[0].Data["component"]; got != "store" {
		t.Errorf("component = %v, want store", got)
	}
	if !c.Has(logrus.WarnLevel, "stale") {
		t.Error("expected warn entry containing 'stale'")
	}
	if c.Count(logrus.ErrorLevel) != 0 {
		t.Error("expected no error entries")
	}
}

func TestCaptureRestoresLevel(t *testing.T) {
	SetLevel(logrus.WarnLevel)
	t.Cleanup(func() { SetLevel(logrus.InfoLevel) })

	t.Run("capture", func(t *testing.T) {
		c := CaptureForTest()
		defer c.Restore()
		For("x").Debug("visible while capturing")
		if c.Count(logrus.DebugLevel) != 1 {
			t.Fatal("debug entry should be captured")
		}
	})

	if got := Logger().GetLevel(); got != logrus.WarnLevel {
		t.Fatalf("level after capture = %v, want warn", got)
	}
}

func TestInitJSON(t *testing.T) {
	prev := Logger().Formatter
	t.Cleanup(func() {
		Logger().SetFormatter(prev)
		SetLevel(logrus.InfoLevel)
	})

	Init("error", "json")
	if _, ok := Logger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T, want *logrus.JSONFormatter", Logger().Formatter)
	}
	if Logger().GetLevel() != logrus.ErrorLevel {
		t.Fatalf("level = %v, want error", Logger().GetLevel())
	}
}

func TestRestoreStopsCapturing(t *testing.T) {
	c := CaptureForTest()
	For("x").Info("before restore")
	c.Restore()

	outer := CaptureForTest()
	defer outer.Restore()
	For("x").Info("after restore")

	if c.Count(logrus.InfoLevel) != 1 {
		t.Fatalf("restored capture holds %d entries, want 1", c.Count(logrus.InfoLevel))
	}
	if !outer.Has(logrus.InfoLevel, "after restore") || outer.Has(logrus.InfoLevel, "before restore") {
		t.Fatalf("second capture entries = %v", outer.Entries())
	}
}
