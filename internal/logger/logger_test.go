package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %q: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")

	Setup("error", "console")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected error level, got %v", zerolog.GlobalLevel())
	}
	if Log == nil {
		t.Fatal("expected Log to be initialized")
	}
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter("debug", "json", &buf)

	Log.Info("scenario finished",
		"scenario", "prompt-shared",
		"mismatches", 0,
		"all_close", true,
	)

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if rec["message"] != "scenario finished" {
		t.Errorf("unexpected message: %v", rec["message"])
	}
	if rec["scenario"] != "prompt-shared" {
		t.Errorf("unexpected scenario field: %v", rec["scenario"])
	}
	if rec["all_close"] != true {
		t.Errorf("unexpected all_close field: %v", rec["all_close"])
	}
}

func TestErrorAttachesTrailingError(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)

	Log.Error("operator failed", "scenario", "decode", errors.New("connection refused"))

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if rec["error"] != "connection refused" {
		t.Errorf("expected error field, got %v", rec["error"])
	}
	if rec["scenario"] != "decode" {
		t.Errorf("expected scenario field, got %v", rec["scenario"])
	}
}

func TestLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter("error", "json", &buf)

	Log.Debug("hidden")
	Log.Info("hidden")
	Log.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected filtered output, got %q", buf.String())
	}

	Log.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected error event, got %q", buf.String())
	}
}

func TestWithStampsFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter("info", "json", &buf)

	child := Log.With("run_id", "abc", 7, "seven")
	child.Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"run_id":"abc"`) {
		t.Errorf("missing run_id: %s", out)
	}
	if !strings.Contains(out, `"7":"seven"`) {
		t.Errorf("non-string key should be stringified: %s", out)
	}
}

func TestOddArgsDoNotPanic(t *testing.T) {
	Log.Info("odd args", "key1", "value1", "orphan_key")
	Log.Info("nil value", "key", nil)
	Log.Info("no fields")
}
