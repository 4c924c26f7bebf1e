package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func TestLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf)).With("reconciler")

	l.Warn("event dropped",
		goentitle.F("user_id", "user_1"),
		goentitle.F("attempt", 2),
		goentitle.F("stale", true),
		goentitle.F("cause", errors.New("boom")),
	)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if line["level"] != "warn" {
		t.Errorf("level = %v, want warn", line["level"])
	}
	if line["message"] != "event dropped" {
		t.Errorf("message = %v", line["message"])
	}
	if line["component"] != "reconciler" {
		t.Errorf("component = %v", line["component"])
	}
	if line["user_id"] != "user_1" || line["attempt"] != float64(2) || line["stale"] != true {
		t.Errorf("unexpected fields: %v", line)
	}
	if line["cause"] != "boom" {
		t.Errorf("cause = %v, want boom", line["cause"])
	}
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written below level: %q", buf.String())
	}
	l.Info("shown")
	if buf.Len() == 0 {
		t.Fatal("info line not written")
	}
}
