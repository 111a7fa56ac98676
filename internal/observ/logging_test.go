package observ

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func captureLog(t *testing.T, emit func()) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logMu.Lock()
	logger.SetOutput(&buf)
	logMu.Unlock()
	defer func() {
		logMu.Lock()
		logger.SetOutput(os.Stdout)
		logMu.Unlock()
	}()

	emit()

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return m
}

func TestLogEmitsJSONWithTsField(t *testing.T) {
	m := captureLog(t, func() {
		Log("order_checked", map[string]any{"rule_id": "r1"})
	})
	if _, ok := m["ts"]; !ok {
		t.Fatalf("no ts field in %v", m)
	}
	if m["msg"] != "order_checked" || m["rule_id"] != "r1" {
		t.Fatalf("line = %v", m)
	}
}

func TestErrorAttachesErrorField(t *testing.T) {
	m := captureLog(t, func() {
		Error("fetch_failed", os.ErrNotExist, nil)
	})
	if m["error"] != os.ErrNotExist.Error() {
		t.Fatalf("error field = %v", m["error"])
	}
	if m["level"] != "error" {
		t.Fatalf("level = %v", m["level"])
	}
}
