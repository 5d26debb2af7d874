package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if keys := s.InvalidKeys(); len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}

func TestOpen_CorruptFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); err == nil {
		t.Fatal("expected error for corrupt settings file")
	}
}

func TestMarkInvalid_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInvalid("key-b"); err != nil {
		t.Fatalf("MarkInvalid: %v", err)
	}
	if err := s.MarkInvalid("key-a"); err != nil {
		t.Fatalf("MarkInvalid: %v", err)
	}

	// Reopen and verify both keys survived.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	keys := s2.InvalidKeys()
	if len(keys) != 2 || keys[0] != "key-a" || keys[1] != "key-b" {
		t.Fatalf("InvalidKeys = %v, want [key-a key-b] sorted", keys)
	}
	if !s2.IsInvalid("key-a") || s2.IsInvalid("key-c") {
		t.Fatal("IsInvalid membership wrong after reopen")
	}
}

func TestMarkInvalid_IdempotentAndSkipsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInvalid(""); err != nil {
		t.Fatalf("MarkInvalid(\"\"): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("empty key must not trigger a disk write")
	}

	if err := s.MarkInvalid("key-a"); err != nil {
		t.Fatal(err)
	}
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInvalid("key-a"); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info1.ModTime() != info2.ModTime() && info1.Size() != info2.Size() {
		// Re-marking may legitimately rewrite on some filesystems; the
		// contract that matters is the set stays a set.
		t.Log("file rewritten on duplicate mark")
	}
	if n := len(s.InvalidKeys()); n != 1 {
		t.Fatalf("invalid set size = %d, want 1", n)
	}
}

func TestOnDiskShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInvalid("dead-key"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var st struct {
		InvalidAPIKeys []string `json:"invalid_api_keys"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("on-disk file is not valid JSON: %v", err)
	}
	if len(st.InvalidAPIKeys) != 1 || st.InvalidAPIKeys[0] != "dead-key" {
		t.Fatalf("invalid_api_keys = %v, want [dead-key]", st.InvalidAPIKeys)
	}
}
