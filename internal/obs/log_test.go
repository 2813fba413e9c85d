package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestLogWritesJSONLine(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	Warn("audit write failed", map[string]any{"event": "LOGIN_FAILED", "err": errors.New("boom")})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "audit write failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["err"] != "boom" {
		t.Fatalf("error field not stringified: %v", entry["err"])
	}
}
