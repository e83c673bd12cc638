package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func writeCredential(t *testing.T, path string, f credentialFile) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestLocalCredential(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "credential.json")
	p := NewFileProviderWithClock(path, "http://unused", time.Second, clockwork.NewFakeClockAt(now))

	if _, ok := p.LocalCredential(); ok {
		t.Fatal("missing file should yield no credential")
	}

	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1", ExpiresAt: now.Add(time.Hour)})
	cred, ok := p.LocalCredential()
	if !ok {
		t.Fatal("expected credential")
	}
	if cred.PrincipalID != "u-1" || cred.AccessToken.Reveal() != "at-1" {
		t.Fatalf("credential = %+v", cred)
	}

	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1", ExpiresAt: now.Add(-time.Second)})
	if _, ok := p.LocalCredential(); ok {
		t.Fatal("expired credential should not count")
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.LocalCredential(); ok {
		t.Fatal("malformed credential should not count")
	}
}

func TestConfirmCredential(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer at-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"id":"u-1","email":"a@example.com"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "credential.json")
	p := NewFileProvider(path, srv.URL, time.Second)

	if _, err := p.ConfirmCredential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}

	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1"})
	principal, err := p.ConfirmCredential(context.Background())
	if err != nil {
		t.Fatalf("ConfirmCredential: %v", err)
	}
	if principal.ID != "u-1" || principal.Email != "a@example.com" {
		t.Fatalf("principal = %+v", principal)
	}

	status = http.StatusUnauthorized
	if _, err := p.ConfirmCredential(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}

	status = http.StatusBadGateway
	_, err = p.ConfirmCredential(context.Background())
	if err == nil || errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want generic failure", err)
	}
}

func TestConfirmCredentialPrincipalMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"someone-else"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "credential.json")
	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1"})
	p := NewFileProvider(path, srv.URL, time.Second)

	if _, err := p.ConfirmCredential(context.Background()); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestSignOutLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1"})
	p := NewFileProvider(path, "http://unused", time.Second)

	if err := p.SignOutLocal(); err != nil {
		t.Fatalf("SignOutLocal: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("credential still present: %v", err)
	}
	if err := p.SignOutLocal(); err != nil {
		t.Fatalf("second SignOutLocal: %v", err)
	}
}

func TestWatcherReportsSignInAndOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	p := NewFileProvider(path, "http://unused", time.Second)
	w := NewWatcher(p, 20*time.Millisecond)

	changes := make(chan *Principal, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(pr *Principal) { changes <- pr }) }()

	expect := func(wantID string) {
		t.Helper()
		select {
		case pr := <-changes:
			if wantID == "" && pr != nil {
				t.Fatalf("got %+v, want nil", pr)
			}
			if wantID != "" && (pr == nil || pr.ID != wantID) {
				t.Fatalf("got %+v, want %q", pr, wantID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for principal %q", wantID)
		}
	}

	expect("")
	writeCredential(t, path, credentialFile{AccessToken: "at-1", PrincipalID: "u-1"})
	expect("u-1")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	expect("")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPrincipalSame(t *testing.T) {
	var a, b *Principal
	if !a.Same(b) {
		t.Fatal("two nil principals are the same")
	}
	if (&Principal{ID: "x"}).Same(nil) {
		t.Fatal("principal vs nil differ")
	}
	if !(&Principal{ID: "x"}).Same(&Principal{ID: "x", Email: "e"}) {
		t.Fatal("same id should match")
	}
}
