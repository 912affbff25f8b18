package history

import (
	"path/filepath"
	"testing"

	"castle-stream/internal/castle"
)

func TestStore_RecordAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	original := castle.Record{"pid": 1, "age": 30.0, "disease": "flu"}
	released := castle.Output{"pid": 1, "age": castle.GeneralizedField{Lower: 20, Upper: 40, Original: 30}}

	if err := s.Record(original, released); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(original, released); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestStore_ReopenPreservesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Record(castle.Record{"pid": 1}, castle.Output{"pid": 1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	n, err := s2.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() after reopen = %d, want 1", n)
	}
}
