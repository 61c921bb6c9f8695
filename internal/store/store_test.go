package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/patchctl/internal/testutil/testlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exec(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	if _, err := s.db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestSaveAndLoadScriptsKeepsOrder(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t)
	ctx := context.Background()
	paths := []string{"/s/z.py", "/s/a.py", "/s/m.lua"}
	if err := s.SaveScripts(ctx, "default", paths); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveScripts(ctx, "other", []string{"/o/x.py"}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	got, err := s.LoadScripts(ctx, "default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if strings.Join(got, ",") != strings.Join(paths, ",") {
		t.Fatalf("unexpected scripts %v", got)
	}

	if err := s.SaveScripts(ctx, "default", []string{"/s/a.py"}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ = s.LoadScripts(ctx, "default")
	if len(got) != 1 || got[0] != "/s/a.py" {
		t.Fatalf("expected replaced set, got %v", got)
	}
	other, _ := s.LoadScripts(ctx, "other")
	if len(other) != 1 {
		t.Fatalf("profiles must be isolated, got %v", other)
	}
}

func TestPrefsUpsert(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t)
	ctx := context.Background()
	if _, ok, err := s.GetPref(ctx, "default", "window"); err != nil || ok {
		t.Fatalf("expected unset pref, ok=%v err=%v", ok, err)
	}
	if err := s.SetPref(ctx, "default", "window", "processes"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetPref(ctx, "default", "window", "errors"); err != nil {
		t.Fatalf("set again: %v", err)
	}
	v, ok, err := s.GetPref(ctx, "default", "window")
	if err != nil || !ok || v != "errors" {
		t.Fatalf("unexpected pref %q ok=%v err=%v", v, ok, err)
	}
}

func TestEnsureTableUpgradesAndCopiesRows(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t)
	ctx := context.Background()
	exec(t, s, `CREATE TABLE hotkeys (profile_name TEXT NOT NULL, key TEXT NOT NULL)`)
	exec(t, s, `INSERT INTO hotkeys VALUES ('default', 'F5'), ('default', 'F5'), ('default', 'F6')`)

	def := "(profile_name TEXT NOT NULL, key TEXT NOT NULL, action TEXT NOT NULL DEFAULT '', PRIMARY KEY (profile_name, key))"
	if err := s.EnsureTable(ctx, "hotkeys", def, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hotkeys`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected duplicate row dropped by the new key, got %d rows", n)
	}
	if old, _ := tableSQL(ctx, s.db, "hotkeys_old"); old != "" {
		t.Fatalf("expected old table dropped")
	}
	if err := s.EnsureTable(ctx, "hotkeys", def, nil); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestEnsureTableRecoversLeftoverOldTable(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t)
	ctx := context.Background()
	// A run interrupted after the rename leaves only scripts_old behind.
	exec(t, s, `DROP TABLE scripts`)
	exec(t, s, `CREATE TABLE scripts_old (profile_name TEXT NOT NULL, filename TEXT NOT NULL)`)
	exec(t, s, `INSERT INTO scripts_old VALUES ('default', '/s/a.py')`)

	if err := s.EnsureTable(ctx, scriptsTable, scriptsDef, nil); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	got, err := s.LoadScripts(ctx, "default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0] != "/s/a.py" {
		t.Fatalf("expected recovered row, got %v", got)
	}
	if old, _ := tableSQL(ctx, s.db, "scripts_old"); old != "" {
		t.Fatalf("expected leftover dropped")
	}

	// Leftover next to an up to date table is merged too.
	exec(t, s, `CREATE TABLE scripts_old (profile_name TEXT NOT NULL, filename TEXT NOT NULL)`)
	exec(t, s, `INSERT INTO scripts_old VALUES ('default', '/s/b.py')`)
	if err := s.EnsureTable(ctx, scriptsTable, scriptsDef, nil); err != nil {
		t.Fatalf("ensure merge: %v", err)
	}
	got, _ = s.LoadScripts(ctx, "default")
	if len(got) != 2 {
		t.Fatalf("expected merged rows, got %v", got)
	}
}

func TestEnsureTableRejectsBadName(t *testing.T) {
	testlog.Start(t)

	s := openTestStore(t)
	if err := s.EnsureTable(context.Background(), "x; DROP TABLE scripts", "(a)", nil); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)

	if _, err := Open(context.Background(), " "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
}
