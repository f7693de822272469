package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "devices.json"))

	_, err := s.Load()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	s := NewFileStore(path)

	want := []Record{{Address: "AA:BB:CC:DD:EE:FF"}, {Address: "11:22:33:44:55:66"}}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("records = %+v, want %+v", got, want)
	}

	// No temp files left next to the target.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir entries = %d, want 1", len(entries))
	}
}

func TestFileSaveEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	s := NewFileStore(path)

	if err := s.Save(nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("file = %q, want []", data)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("records = %#v, want empty non-nil", got)
	}
}

func TestFileLoadLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	legacy := `[[true, "AA:BB:CC:DD:EE:FF"], [false, "112233445566"]]`
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path)

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].Address != "AA:BB:CC:DD:EE:FF" || got[1].Address != "112233445566" {
		t.Errorf("records = %+v", got)
	}

	// The next save upgrades the file to the current format.
	if err := s.Save(got); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"address"`) {
		t.Errorf("saved file not in current format: %s", data)
	}
}

func TestFileLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path)

	_, err := s.Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("corrupt file reported as ErrNotFound")
	}
}
