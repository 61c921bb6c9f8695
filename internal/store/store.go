// Package store persists the desired script set and preferences per
// profile in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/patchctl/internal/logging"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	scriptsTable = "scripts"
	scriptsDef   = "(profile_name TEXT NOT NULL, filename TEXT NOT NULL, PRIMARY KEY (profile_name, filename))"

	prefsTable = "prefs"
	prefsDef   = "(profile_name TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL, PRIMARY KEY (profile_name, key))"
)

var (
	ErrPathRequired  = errors.New("store: path is required")
	ErrNotConfigured = errors.New("store: not configured")
)

// Store is the SQLite-backed profile store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens the database at path and brings its tables to the current
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	s := &Store{db: db, log: logging.Component("store")}
	if err := s.EnsureTable(ctx, scriptsTable, scriptsDef, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureTable(ctx, prefsTable, prefsDef, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadScripts returns the saved script paths for profile in the order they
// were saved.
func (s *Store) LoadScripts(ctx context.Context, profile string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename FROM scripts WHERE profile_name = ? ORDER BY rowid`, profile)
	if err != nil {
		return nil, fmt.Errorf("store: load scripts profile=%s: %w", profile, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, fmt.Errorf("store: scan script: %w", err)
		}
		out = append(out, filename)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load scripts profile=%s: %w", profile, err)
	}
	return out, nil
}

// SaveScripts replaces the saved set for profile.
func (s *Store) SaveScripts(ctx context.Context, profile string, paths []string) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scripts WHERE profile_name = ?`, profile); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO scripts (profile_name, filename) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range paths {
			if _, err := stmt.ExecContext(ctx, profile, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPref returns the preference value for key. ok is false when unset.
func (s *Store) GetPref(ctx context.Context, profile, key string) (value string, ok bool, err error) {
	if s == nil || s.db == nil {
		return "", false, ErrNotConfigured
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM prefs WHERE profile_name = ? AND key = ?`, profile, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get pref %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetPref(ctx context.Context, profile, key, value string) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prefs (profile_name, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (profile_name, key) DO UPDATE SET value = excluded.value`,
		profile, key, value)
	if err != nil {
		return fmt.Errorf("store: set pref %s: %w", key, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
