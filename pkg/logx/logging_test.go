package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "watchdog"))

	log.Info("job.finished", String("job", "ai_forecast"), Int("attempts", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "job.finished" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "watchdog" || m["job"] != "ai_forecast" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["attempts"].(float64) != 2 {
		t.Fatalf("attempts = %v", m["attempts"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	log.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn should be written")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
