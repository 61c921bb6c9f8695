package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidTableName = errors.New("store: invalid table name")

	tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	spaces    = regexp.MustCompile(`\s+`)
)

// Converter copies rows from the renamed old table into the new one.
type Converter func(ctx context.Context, tx *sql.Tx, oldTable, newTable string) error

// EnsureTable makes table name match "CREATE TABLE name def". A table with a
// different definition is renamed to name_old, recreated, converted and
// dropped in one transaction. A name_old left behind by an earlier run is
// converted and dropped first. A nil convert copies the columns both
// definitions share.
func (s *Store) EnsureTable(ctx context.Context, name, def string, convert Converter) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	if convert == nil {
		convert = CopyCommonColumns
	}
	want := fmt.Sprintf("CREATE TABLE %s %s", name, strings.TrimSpace(def))
	oldName := name + "_old"

	current, err := tableSQL(ctx, s.db, name)
	if err != nil {
		return err
	}
	leftover, err := tableSQL(ctx, s.db, oldName)
	if err != nil {
		return err
	}
	if sameSQL(current, want) && leftover == "" {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if leftover != "" && current == "" {
			// Interrupted after the rename: the old rows only live in name_old.
			if _, err := tx.ExecContext(ctx, want); err != nil {
				return err
			}
			current = want
		}
		if leftover != "" {
			if err := convert(ctx, tx, oldName, name); err != nil {
				return fmt.Errorf("convert %s: %w", oldName, err)
			}
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+oldName); err != nil {
				return err
			}
		}
		if sameSQL(current, want) {
			return nil
		}
		if current != "" {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", name, oldName)); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, want); err != nil {
			return err
		}
		if current != "" {
			if err := convert(ctx, tx, oldName, name); err != nil {
				return fmt.Errorf("convert %s: %w", oldName, err)
			}
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+oldName); err != nil {
				return err
			}
			s.log.Info().Msgf("store.Store.EnsureTable upgraded table=%s", name)
		}
		return nil
	})
}

// CopyCommonColumns inserts every row of oldTable into newTable, keeping
// the columns both tables have. Rows that violate the new constraints are
// skipped.
func CopyCommonColumns(ctx context.Context, tx *sql.Tx, oldTable, newTable string) error {
	oldCols, err := columns(ctx, tx, oldTable)
	if err != nil {
		return err
	}
	newCols, err := columns(ctx, tx, newTable)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(newCols))
	for _, c := range newCols {
		keep[strings.ToLower(c)] = true
	}
	var shared []string
	for _, c := range oldCols {
		if keep[strings.ToLower(c)] {
			shared = append(shared, `"`+c+`"`)
		}
	}
	if len(shared) == 0 {
		return nil
	}
	list := strings.Join(shared, ", ")
	_, err = tx.ExecContext(ctx, fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) SELECT %s FROM %s", newTable, list, list, oldTable))
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableSQL(ctx context.Context, q queryer, name string) (string, error) {
	var def string
	err := q.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND tbl_name = ?`, name).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: inspect table %s: %w", name, err)
	}
	return def, nil
}

func columns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func sameSQL(a, b string) bool {
	norm := func(s string) string { return spaces.ReplaceAllString(strings.TrimSpace(s), " ") }
	return strings.EqualFold(norm(a), norm(b))
}
