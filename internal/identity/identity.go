// Package identity reads the login credential written by the host sign-in
// flow and confirms it against the identity provider.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/breeze-rmm/sessionguard/internal/httputil"
	"github.com/breeze-rmm/sessionguard/internal/logging"
	"github.com/breeze-rmm/sessionguard/internal/secmem"
)

var log = logging.L("identity")

var (
	// ErrAuthExpired means the identity provider refused the credential.
	ErrAuthExpired = errors.New("identity: credential expired")
	// ErrNoCredential means there is nothing signed in locally.
	ErrNoCredential = errors.New("identity: no local credential")
)

// Principal is the signed-in account.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Same reports whether p and other name the same account. Two nil
// principals are the same.
func (p *Principal) Same(other *Principal) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.ID == other.ID
}

// Credential is the local proof of login.
type Credential struct {
	AccessToken *secmem.SecureString
	PrincipalID string
	Email       string
	ExpiresAt   time.Time
}

// Principal returns the account the credential was issued to.
func (c *Credential) Principal() *Principal {
	return &Principal{ID: c.PrincipalID, Email: c.Email}
}

// Provider is the identity provider as seen by the session coordinator.
type Provider interface {
	// LocalCredential reports the locally held credential without any
	// network access.
	LocalCredential() (*Credential, bool)
	// ConfirmCredential asks the identity provider whether the local
	// credential is still accepted.
	ConfirmCredential(ctx context.Context) (*Principal, error)
	// SignOutLocal discards the local credential.
	SignOutLocal() error
}

// credentialFile is the on-disk layout written by the sign-in flow.
type credentialFile struct {
	AccessToken string    `json:"accessToken"`
	PrincipalID string    `json:"principalId"`
	Email       string    `json:"email,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// FileProvider implements Provider over a JSON credential file and the
// identity provider's /user endpoint.
type FileProvider struct {
	path       string
	baseURL    string
	httpClient *http.Client
	clock      clockwork.Clock
}

func NewFileProvider(path, identityURL string, timeout time.Duration) *FileProvider {
	return NewFileProviderWithClock(path, identityURL, timeout, clockwork.NewRealClock())
}

func NewFileProviderWithClock(path, identityURL string, timeout time.Duration, clock clockwork.Clock) *FileProvider {
	return &FileProvider{
		path:       path,
		baseURL:    strings.TrimRight(identityURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		clock:      clock,
	}
}

// Path returns the credential file location.
func (p *FileProvider) Path() string { return p.path }

func (p *FileProvider) LocalCredential() (*Credential, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("credential file unreadable", "path", p.path, logging.KeyError, err)
		}
		return nil, false
	}

	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn("credential file malformed", "path", p.path, logging.KeyError, err)
		return nil, false
	}
	if f.AccessToken == "" || f.PrincipalID == "" {
		return nil, false
	}
	if !f.ExpiresAt.IsZero() && !p.clock.Now().Before(f.ExpiresAt) {
		return nil, false
	}

	return &Credential{
		AccessToken: secmem.NewSecureString(f.AccessToken),
		PrincipalID: f.PrincipalID,
		Email:       f.Email,
		ExpiresAt:   f.ExpiresAt,
	}, true
}

// AccessToken returns the bearer for outbound calls.
func (p *FileProvider) AccessToken() (string, bool) {
	cred, ok := p.LocalCredential()
	if !ok {
		return "", false
	}
	return cred.AccessToken.Reveal(), true
}

func (p *FileProvider) ConfirmCredential(ctx context.Context) (*Principal, error) {
	cred, ok := p.LocalCredential()
	if !ok {
		return nil, ErrNoCredential
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.AccessToken.Reveal())
	res, err := httputil.DoJSON(ctx, p.httpClient, http.MethodGet, p.baseURL+"/user", nil, headers)
	if err != nil {
		return nil, fmt.Errorf("confirm credential: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, ErrAuthExpired
	case !res.OK():
		return nil, fmt.Errorf("confirm credential: identity provider returned %d", res.StatusCode)
	}

	var principal Principal
	if err := res.Decode(&principal); err != nil {
		return nil, fmt.Errorf("confirm credential: decode user: %w", err)
	}
	if principal.ID == "" {
		principal.ID = cred.PrincipalID
	}
	if principal.ID != cred.PrincipalID {
		return nil, fmt.Errorf("confirm credential: provider returned principal %q for credential of %q", principal.ID, cred.PrincipalID)
	}
	return &principal, nil
}

func (p *FileProvider) SignOutLocal() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}
