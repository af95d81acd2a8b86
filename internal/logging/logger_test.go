package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "WARN")
	logger.Info("dropped")
	logger.Warn("kept", "trip_id", "t1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["trip_id"] != "t1" || line["level"] != "WARN" {
		t.Fatalf("line = %v", line)
	}
}
