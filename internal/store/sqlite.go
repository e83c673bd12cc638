package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_token (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	token        TEXT    NOT NULL,
	principal_id TEXT    NOT NULL,
	issued_at    INTEGER NOT NULL
)`

// SQLiteStore keeps the record in a single-row table.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warn("could not restrict token database permissions", "path", path, logging.KeyError, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Record, error) {
	var rec Record
	var issued int64
	err := s.db.QueryRowContext(ctx,
		`SELECT token, principal_id, issued_at FROM session_token WHERE id = 1`,
	).Scan(&rec.Token, &rec.PrincipalID, &issued)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load token: %w", err)
	}
	rec.IssuedAt = time.UnixMilli(issued).UTC()
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_token (id, token, principal_id, issued_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token,
		   principal_id = excluded.principal_id, issued_at = excluded.issued_at`,
		rec.Token, rec.PrincipalID, rec.IssuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_token`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
