package session

import (
	"context"
	"errors"
	"testing"

	"github.com/breeze-rmm/sessionguard/internal/health"
	"github.com/breeze-rmm/sessionguard/internal/identity"
)

func TestProbe(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fakeIdentity)
		want       bool
		wantHealth health.Status
	}{
		{"no credential", func(f *fakeIdentity) {}, false, ""},
		{"confirmed", func(f *fakeIdentity) { f.login("u-1") }, true, health.Healthy},
		{"expired", func(f *fakeIdentity) {
			f.login("u-1")
			f.setConfirmErr(identity.ErrAuthExpired)
		}, false, health.Healthy},
		{"provider unreachable", func(f *fakeIdentity) {
			f.login("u-1")
			f.setConfirmErr(errors.New("dial tcp: connection refused"))
		}, false, health.Degraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeIdentity{}
			tt.setup(f)
			m := health.NewMonitor()

			if got := NewProbe(f, m).Valid(context.Background()); got != tt.want {
				t.Fatalf("Valid() = %v, want %v", got, tt.want)
			}
			c, ok := m.Get(health.ComponentIdentity)
			if tt.wantHealth == "" {
				if ok {
					t.Fatalf("unexpected identity health %+v", c)
				}
				return
			}
			if c.Status != tt.wantHealth {
				t.Fatalf("identity health = %q, want %q", c.Status, tt.wantHealth)
			}
		})
	}
}

type panickingProvider struct{ fakeIdentity }

func (*panickingProvider) LocalCredential() (*identity.Credential, bool) {
	panic("keychain unavailable")
}

func TestProbeRecoversPanic(t *testing.T) {
	if NewProbe(&panickingProvider{}, nil).Valid(context.Background()) {
		t.Fatal("panicking provider should read as no credential")
	}
}
