package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewJSONLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "debug").With().Str("component", "ledger").Logger()
	l.Info().Int64("value", 5000).Msg("coin created")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["component"] != "ledger" {
		t.Errorf("component = %v, want ledger", rec["component"])
	}
	if rec["message"] != "coin created" {
		t.Errorf("message = %v", rec["message"])
	}
}

func TestInit_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "spv.log")
	if err := Init("info", true, file); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Wallet.Info().Msg("hello")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"component":"wallet"`)) {
		t.Errorf("log file missing component field: %s", data)
	}

	// Restore default console logger for other tests.
	if err := Init("error", false, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
}
