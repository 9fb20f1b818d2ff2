package infra

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "production", "")
	logger.Debug().Msg("hidden")
	logger.Info().Str("job_id", "abc12345").Msg("visible")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "visible" || line["job_id"] != "abc12345" || line["time"] == nil {
		t.Fatalf("log line mismatch: %v", line)
	}

	buf.Reset()
	logger = newLogger(&buf, "production", "WARN")
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("LOG_LEVEL=warn should drop info, got %q", buf.String())
	}

	buf.Reset()
	logger = newLogger(&buf, "production", "nonsense")
	logger.Info().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("invalid LOG_LEVEL should fall back to info")
	}
}
