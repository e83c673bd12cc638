// Package store persists the session token across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("store")

// ErrNotFound is returned by Load when no token is stored.
var ErrNotFound = errors.New("store: no session token")

// Record is a persisted session token and the principal it was issued for.
type Record struct {
	Token       string    `yaml:"token"`
	PrincipalID string    `yaml:"principal_id"`
	IssuedAt    time.Time `yaml:"issued_at"`
}

// TokenStore is the durable home of the session token. Implementations are
// safe for concurrent use.
type TokenStore interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// Open returns the backend named by kind ("file" or "sqlite") rooted in dir.
func Open(kind, dir string) (TokenStore, error) {
	switch kind {
	case "", "file":
		return NewFileStore(filepath.Join(dir, "session.yaml")), nil
	case "sqlite":
		return OpenSQLite(filepath.Join(dir, "session.db"))
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}
