package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pomodoro-store-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(tempDir(t), "data", "pomodoro.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContacts(t *testing.T) {
	s := openTemp(t)

	added, err := s.AddContact("aa")
	if err != nil || !added {
		t.Fatalf("AddContact = %v, %v", added, err)
	}
	added, err = s.AddContact("aa")
	if err != nil || added {
		t.Errorf("duplicate AddContact = %v, %v", added, err)
	}
	s.AddContact("bb")

	list, err := s.Contacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("Contacts = %v", list)
	}

	if ok, _ := s.HasContact("bb"); !ok {
		t.Error("HasContact(bb) = false")
	}
	if err := s.RemoveContact("bb"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasContact("bb"); ok {
		t.Error("contact still present after remove")
	}
	if err := s.RemoveContact("bb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove err = %v", err)
	}
}

func TestSessionsPersistAcrossOpen(t *testing.T) {
	path := filepath.Join(tempDir(t), "pomodoro.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.RecordSession("e1", 25, 100)
	s.RecordSession("e2", 25, 200)
	s.RecordSession("e2", 25, 200)
	s.RecordSession("e3", 50, 300)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, tc := range []struct {
		since int64
		want  int
	}{
		{0, 3},
		{200, 2},
		{301, 0},
	} {
		got, err := s.SessionCountSince(tc.since)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("SessionCountSince(%d) = %d, want %d", tc.since, got, tc.want)
		}
	}
}
