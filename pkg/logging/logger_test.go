package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, closer := NewWithConfig("meter-gateway", "test", LogConfig{Level: "info", Output: path})
	devLogger := WithDeviceContext(logger, "m1", "")
	devLogger.Info().Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{`"service":"meter-gateway"`, `"device_id":"m1"`, `"message":"hello"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log line %s missing %s", data, want)
		}
	}
	if strings.Contains(string(data), "device_name") {
		t.Errorf("empty device name should be omitted: %s", data)
	}
}

func TestWithControlContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctlLogger := WithControlContext(logger, "r1", "m1", "do1")
	ctlLogger.Info().Msg("x")
	if !strings.Contains(buf.String(), `"control_target":"do1"`) {
		t.Errorf("missing control_target: %s", buf.String())
	}
}
