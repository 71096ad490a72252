package state

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewBuildRecord(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewBuildRecord("com.example.overlay", "android", 1700000000000, at)

	if r.Package != "com.example.overlay" {
		t.Errorf("expected Package='com.example.overlay', got %q", r.Package)
	}
	if r.Timestamp != 1700000000000 {
		t.Errorf("expected Timestamp=1700000000000, got %d", r.Timestamp)
	}
	if r.Artifacts == nil {
		t.Error("expected Artifacts to be initialized")
	}
	if !r.BuiltAt.Equal(at) {
		t.Errorf("BuiltAt = %v", r.BuiltAt)
	}
}

func TestBuildRecord_JSONKeys(t *testing.T) {
	r := NewBuildRecord("p", "t", 1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{`"package"`, `"target"`, `"timestamp"`, `"artifacts":[]`, `"builtAt"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded record %s missing %s", data, key)
		}
	}
	if strings.Contains(string(data), "compiler") {
		t.Errorf("empty compiler should be omitted: %s", data)
	}
}
