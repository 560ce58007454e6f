package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_UpsertIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	info := DeviceRecord{AgentID: "a1", Hostname: "h", OS: "linux", Version: "1.0"}
	if err := r.Upsert(info); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, _ := r.Get("a1")
	if err := r.Upsert(info); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	second, _ := r.Get("a1")

	if first.FirstSeen != second.FirstSeen {
		t.Fatal("first_seen changed on re-upsert")
	}
	if second.Hostname != "h" || second.OS != "linux" {
		t.Fatalf("attributes changed: %+v", second)
	}
	if r.Count() != 1 {
		t.Fatalf("count %d, want 1", r.Count())
	}
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Upsert(DeviceRecord{
		AgentID:                "a1",
		Hostname:               "h",
		UnattendedEnabled:      true,
		UnattendedPasswordHash: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r2, err := NewRegistry(dir, 10)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	rec, ok := r2.Get("a1")
	if !ok {
		t.Fatal("record lost across reload")
	}
	if !rec.UnattendedEnabled || rec.UnattendedPasswordHash == "" {
		t.Fatalf("unattended fields lost: %+v", rec)
	}
}

func TestRegistry_MaxDevices(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Upsert(DeviceRecord{AgentID: "a1"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := r.Upsert(DeviceRecord{AgentID: "a2"}); err == nil {
		t.Fatal("expected device limit error")
	}
	// Re-upserting an existing device is always allowed.
	if err := r.Upsert(DeviceRecord{AgentID: "a1", Hostname: "h2"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
}

func TestRegistry_FileIsValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.Upsert(DeviceRecord{AgentID: "a1"})
	r.Upsert(DeviceRecord{AgentID: "a2"})

	data, err := os.ReadFile(filepath.Join(dir, "devices.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var records []DeviceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("devices.json is not a JSON array: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records on disk", len(records))
	}
	// No leftover temp files from the atomic write.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "devices.json" {
			t.Fatalf("unexpected file %s", e.Name())
		}
	}
}

func TestRegistry_ListOrdering(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.Upsert(DeviceRecord{AgentID: "older"})
	r.Upsert(DeviceRecord{AgentID: "newer"})
	r.Upsert(DeviceRecord{AgentID: "online-one"})

	online := map[string]bool{"online-one": true}
	list := r.List(func(id string) bool { return online[id] })
	if list[0].AgentID != "online-one" {
		t.Fatalf("online device not first: %+v", list)
	}
	// Calling again between mutations returns the same snapshot.
	again := r.List(func(id string) bool { return online[id] })
	if len(again) != len(list) || again[0].AgentID != list[0].AgentID {
		t.Fatal("list is not idempotent between mutations")
	}
}

func TestSessionLog_AppendAndStats(t *testing.T) {
	dir := t.TempDir()
	l, err := NewSessionLog(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Append(SessionRecord{SessionID: "s1", AgentID: "a1", EndReason: "completed"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(SessionRecord{SessionID: "s2", AgentID: "a1", EndReason: "timeout"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	l2, err := NewSessionLog(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stats := l2.Stats()
	if stats.TotalSessions != 2 || stats.ByEndReason["completed"] != 1 || stats.ByEndReason["timeout"] != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestTokenStore_IssueAndValidate(t *testing.T) {
	dir := t.TempDir()
	s, err := NewTokenStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	token, err := s.Issue("1.2.3.4")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !s.Validate(token) {
		t.Fatal("freshly issued token rejected")
	}
	if s.Validate("deadbeef") || s.Validate("") {
		t.Fatal("bogus token accepted")
	}

	s2, err := NewTokenStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !s2.Validate(token) {
		t.Fatal("token lost across reload")
	}
}
