package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLStore persists rules in SQLite. Owner and status are real columns so
// dashboard listings stay indexed; the rest of the rule rides as JSON.
type SQLStore struct {
	db *sql.DB
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	status     TEXT NOT NULL,
	spec       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_owner_status ON rules(owner, status);
CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
`

// OpenSQLStore opens (and creates if needed) the SQLite database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("rule store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, r *Rule) error {
	spec, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules (id, owner, status, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, string(r.Status), string(spec),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT spec FROM rules WHERE id = ?`, id)
	var spec string
	if err := row.Scan(&spec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return decodeRule(spec)
}

func (s *SQLStore) Update(ctx context.Context, r *Rule) error {
	spec, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET owner = ?, status = ?, spec = ?, updated_at = ? WHERE id = ?`,
		r.Owner, string(r.Status), string(spec),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano), r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner string, status Status) ([]*Rule, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT spec FROM rules WHERE owner = ? AND status != ? ORDER BY created_at`, owner, string(StatusDeleted))
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT spec FROM rules WHERE owner = ? AND status = ? ORDER BY created_at`, owner, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return scanRules(rows)
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT spec FROM rules WHERE status = ? ORDER BY created_at`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return scanRules(rows)
}

func (s *SQLStore) ListActiveForWallet(ctx context.Context, wallet string) ([]*Rule, error) {
	all, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Rule
	for _, r := range all {
		if r.Source.Type == SourceGroup || r.WatchesWallet(wallet) {
			out = append(out, r)
		}
	}
	return out, nil
}

func scanRules(rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()
	var out []*Rule
	for rows.Next() {
		var spec string
		if err := rows.Scan(&spec); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r, err := decodeRule(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRule(spec string) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal([]byte(spec), &r); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	return &r, nil
}
