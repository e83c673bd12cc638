package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func backends(t *testing.T) map[string]TokenStore {
	t.Helper()
	dir := t.TempDir()
	sq, err := OpenSQLite(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]TokenStore{
		"file":   NewFileStore(filepath.Join(dir, "session.yaml")),
		"sqlite": sq,
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	issued := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty Load err = %v, want ErrNotFound", err)
			}

			want := Record{Token: "sess-1", PrincipalID: "u-1", IssuedAt: issued}
			if err := s.Save(ctx, want); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.Token != want.Token || got.PrincipalID != want.PrincipalID || !got.IssuedAt.Equal(want.IssuedAt) {
				t.Fatalf("Load = %+v, want %+v", got, want)
			}

			if err := s.Save(ctx, Record{Token: "sess-2", PrincipalID: "u-2", IssuedAt: issued}); err != nil {
				t.Fatalf("overwrite Save: %v", err)
			}
			got, _ = s.Load(ctx)
			if got.Token != "sess-2" || got.PrincipalID != "u-2" {
				t.Fatalf("after overwrite Load = %+v", got)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load after Clear err = %v, want ErrNotFound", err)
			}
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("second Clear: %v", err)
			}
		})
	}
}

func TestFileStorePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	s := NewFileStore(path)
	if err := s.Save(context.Background(), Record{Token: "sess-1", PrincipalID: "u-1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
}

func TestFileStoreCorruptIsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	if err := os.WriteFile(path, []byte("token: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	if s, err := Open("file", dir); err != nil {
		t.Fatalf("Open(file): %v", err)
	} else if _, ok := s.(*FileStore); !ok {
		t.Fatalf("Open(file) = %T", s)
	}
	s, err := Open("sqlite", dir)
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	sq, ok := s.(*SQLiteStore)
	if !ok {
		t.Fatalf("Open(sqlite) = %T", s)
	}
	sq.Close()
	if _, err := Open("redis", dir); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
