package kvstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.Set("usage:counters", []byte(`{"daily":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("usage:counters")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"daily":1}` {
		t.Fatalf("Get = %q", got)
	}
	if err := s.Set("usage:counters", []byte(`{"daily":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get("usage:counters")
	if string(got) != `{"daily":2}` {
		t.Fatalf("after overwrite Get = %q", got)
	}
	if err := s.Delete("usage:counters"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("usage:counters"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if err := s.Delete("never-set"); err != nil {
		t.Fatalf("Delete(never-set): %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "cache:search", want: "cache_search"},
		{in: "../../etc/passwd", want: "_.._etc_passwd"},
		{in: "  ", wantErr: true},
		{in: "...", wantErr: true},
	}
	for _, tc := range tests {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("sanitizeKey(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	s := Open("file", "", zerolog.Nop())
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("Open with empty path = %T, want *Memory", s)
	}
}
