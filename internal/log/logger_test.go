package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func resetForTest(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	once = *new(sync.Once)
	once.Do(func() {})
	setup(&buf, lvl)
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Failed to decode JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWithComponent(t *testing.T) {
	buf := resetForTest(t, 0)

	WithComponent("test-comp").Info("hello")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", lines[0]["component"])
	}
	if lines[0]["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", lines[0]["msg"])
	}
}

func TestLevelScale(t *testing.T) {
	tests := []struct {
		level           int
		integrationDbg  bool
		runtimeDbg      bool
		transportDbg    bool
		debugEnabledOut bool
	}{
		{0, false, false, false, false},
		{10, true, false, false, false},
		{20, true, true, false, true},
		{40, true, true, true, true},
		{50, true, true, true, true},
	}

	for _, tt := range tests {
		buf := resetForTest(t, tt.level)

		ForIntegration("int-1").Debug("integration")
		WithComponent("runtime").Debug("runtime")
		ForTransport("ledger").Debug("transport")

		got := map[string]bool{}
		for _, line := range decodeLines(t, buf) {
			got[line["msg"].(string)] = true
		}
		if got["integration"] != tt.integrationDbg {
			t.Errorf("level %d: integration debug = %v, want %v", tt.level, got["integration"], tt.integrationDbg)
		}
		if got["runtime"] != tt.runtimeDbg {
			t.Errorf("level %d: runtime debug = %v, want %v", tt.level, got["runtime"], tt.runtimeDbg)
		}
		if got["transport"] != tt.transportDbg {
			t.Errorf("level %d: transport debug = %v, want %v", tt.level, got["transport"], tt.transportDbg)
		}
		if DebugEnabled() != tt.debugEnabledOut {
			t.Errorf("level %d: DebugEnabled = %v", tt.level, DebugEnabled())
		}
	}
}

func TestSetLevelRejectsOutOfRange(t *testing.T) {
	resetForTest(t, 0)

	if err := SetLevel(51); err == nil {
		t.Fatal("expected error for level 51")
	}
	if err := SetLevel(-1); err == nil {
		t.Fatal("expected error for level -1")
	}
	if Level() != 0 {
		t.Fatalf("level changed after rejected update: %d", Level())
	}

	if err := SetLevel(20); err != nil {
		t.Fatalf("SetLevel(20): %v", err)
	}
	if Level() != 20 {
		t.Fatalf("expected level 20, got %d", Level())
	}
}

func TestForIntegrationCarriesID(t *testing.T) {
	buf := resetForTest(t, 0)

	ForIntegration("orders").Info("ready")

	lines := decodeLines(t, buf)
	if lines[0]["integration_id"] != "orders" {
		t.Errorf("Expected integration_id 'orders', got %v", lines[0]["integration_id"])
	}
}
