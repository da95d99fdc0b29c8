package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTablePrefix sets the prefix of every table name. Default: "cnw_".
func WithSQLiteTablePrefix(prefix string) SQLiteOption {
	return func(s *SQLiteStore) {
		s.prefix = prefix
	}
}

// SQLiteStore implements Store on an embedded SQLite database. The store
// keeps a single connection so that transactions are serialized.
type SQLiteStore struct {
	db     *sql.DB
	prefix string

	licenses    string
	activations string
	usage       string
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLiteStore opens (or creates) the SQLite database at dsn, for example
// "file:licenses.db" or ":memory:", and creates the tables it needs.
func OpenSQLiteStore(ctx context.Context, dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	if err := checkIdentifier("table prefix", s.prefix); err != nil {
		return nil, err
	}
	s.licenses = s.prefix + "licenses"
	s.activations = s.prefix + "activations"
	s.usage = s.prefix + "usage"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := s.ensureTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureTables(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			license_key     TEXT PRIMARY KEY,
			tier            TEXT NOT NULL DEFAULT '',
			product_id      TEXT NOT NULL DEFAULT '',
			issued_to       TEXT NOT NULL DEFAULT '',
			issued_at       TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			status          TEXT NOT NULL,
			revoked_at      TEXT,
			limits          TEXT NOT NULL DEFAULT '{}',
			max_activations INTEGER
		)`, s.licenses),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_issued_at ON %s (issued_at)`, s.licenses, s.licenses),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			license_key  TEXT NOT NULL,
			instance_id  TEXT NOT NULL,
			activated_at TEXT NOT NULL,
			UNIQUE (license_key, instance_id)
		)`, s.activations),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_activated_at ON %s (activated_at)`, s.activations, s.activations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			license_key TEXT NOT NULL,
			metric      TEXT NOT NULL,
			value       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (license_key, metric)
		)`, s.usage),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) InsertLicense(ctx context.Context, lic License) error {
	limits, err := json.Marshal(lic.Limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	var maxActivations sql.NullInt64
	if lic.MaxActivations != nil {
		maxActivations = sql.NullInt64{Int64: int64(*lic.MaxActivations), Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (license_key, tier, product_id, issued_to, issued_at, expires_at, status, revoked_at, limits, max_activations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.licenses)
	_, err = s.db.ExecContext(ctx, query,
		lic.Key, lic.Tier, lic.ProductID, lic.IssuedTo,
		formatSQLiteTime(lic.IssuedAt), formatSQLiteTime(lic.ExpiresAt),
		string(lic.Status), formatSQLiteTimePtr(lic.RevokedAt), string(limits), maxActivations,
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert license: %w", err)
	}
	if len(lic.Usage) == 0 {
		return nil
	}
	return s.Atomically(ctx, lic.Key, func(ctx context.Context, tx Tx) error {
		for metric, v := range lic.Usage {
			if err := tx.SetUsage(ctx, lic.Key, metric, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetLicense(ctx context.Context, key string) (*License, error) {
	return s.getLicense(ctx, s.db, key)
}

func (s *SQLiteStore) getLicense(ctx context.Context, q sqlQuerier, key string) (*License, error) {
	query := fmt.Sprintf(`
		SELECT license_key, tier, product_id, issued_to, issued_at, expires_at, status, revoked_at, limits, max_activations
		FROM %s WHERE license_key = ?
	`, s.licenses)
	lic, err := scanSQLiteLicense(q.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	lic.Usage, err = s.getUsage(ctx, q, key)
	if err != nil {
		return nil, err
	}
	return lic, nil
}

func (s *SQLiteStore) getUsage(ctx context.Context, q sqlQuerier, key string) (map[string]int64, error) {
	query := fmt.Sprintf(`SELECT metric, value FROM %s WHERE license_key = ?`, s.usage)
	rows, err := q.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var metric string
		var v int64
		if err := rows.Scan(&metric, &v); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		usage[metric] = v
	}
	return usage, rows.Err()
}

func (s *SQLiteStore) ListLicenses(ctx context.Context, f ListFilter) ([]License, error) {
	var where []string
	var args []any
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := fmt.Sprintf(`
		SELECT license_key, tier, product_id, issued_to, issued_at, expires_at, status, revoked_at, limits, max_activations
		FROM %s`, s.licenses)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at DESC, license_key LIMIT ? OFFSET ?"
	args = append(args, listLimit(f), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	out := []License{}
	for rows.Next() {
		lic, err := scanSQLiteLicense(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, *lic)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection is free again once rows is closed.
	for i := range out {
		if out[i].Usage, err = s.getUsage(ctx, s.db, out[i].Key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) DeleteLicense(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE license_key = ?`, s.licenses), key)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, table := range []string{s.activations, s.usage} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE license_key = ?`, table), key); err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	query := fmt.Sprintf(`
		SELECT license_key, instance_id, activated_at FROM %s
		WHERE license_key = ? ORDER BY activated_at DESC, id DESC
	`, s.activations)
	return s.queryActivations(ctx, query, key)
}

func (s *SQLiteStore) RecentActivations(ctx context.Context, limit int) ([]Activation, error) {
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`
		SELECT license_key, instance_id, activated_at FROM %s
		ORDER BY activated_at DESC, id DESC LIMIT ?
	`, s.activations)
	return s.queryActivations(ctx, query, limit)
}

func (s *SQLiteStore) queryActivations(ctx context.Context, query string, args ...any) ([]Activation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	out := []Activation{}
	for rows.Next() {
		var a Activation
		var at string
		if err := rows.Scan(&a.Key, &a.InstanceID, &at); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		if a.ActivatedAt, err = parseSQLiteTime(at); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	query := fmt.Sprintf(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'revoked' THEN 1 ELSE 0 END), 0)
		FROM %s
	`, s.licenses)
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.TotalLicenses, &st.ActiveLicenses, &st.RevokedLicenses); err != nil {
		return nil, fmt.Errorf("count licenses: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.activations)).Scan(&st.TotalActivations); err != nil {
		return nil, fmt.Errorf("count activations: %w", err)
	}
	recent, err := s.RecentActivations(ctx, StatsRecentActivations)
	if err != nil {
		return nil, err
	}
	st.RecentActivations = recent
	return st, nil
}

func (s *SQLiteStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqliteTx{store: s, tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close(_ context.Context) error {
	return s.db.Close()
}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
	key   string
}

func (t *sqliteTx) GetLicense(ctx context.Context, key string) (*License, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	return t.store.getLicense(ctx, t.tx, key)
}

func (t *sqliteTx) UpdateStatus(ctx context.Context, key string, status Status, revokedAt *time.Time) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, revoked_at = ? WHERE license_key = ?`, t.store.licenses)
	res, err := t.tx.ExecContext(ctx, query, string(status), formatSQLiteTimePtr(revokedAt), key)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) CountActivations(ctx context.Context, key string) (int, error) {
	if err := checkScope(t.key, key); err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE license_key = ?`, t.store.activations)
	if err := t.tx.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) ExistsActivation(ctx context.Context, key, instanceID string) (bool, error) {
	if err := checkScope(t.key, key); err != nil {
		return false, err
	}
	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE license_key = ? AND instance_id = ?`, t.store.activations)
	err := t.tx.QueryRowContext(ctx, query, key, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find activation: %w", err)
	}
	return true, nil
}

func (t *sqliteTx) InsertActivation(ctx context.Context, a Activation) error {
	if err := checkScope(t.key, a.Key); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (license_key, instance_id, activated_at) VALUES (?, ?, ?)`, t.store.activations)
	if _, err := t.tx.ExecContext(ctx, query, a.Key, a.InstanceID, formatSQLiteTime(a.ActivatedAt)); err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetUsage(ctx context.Context, key string) (map[string]int64, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	return t.store.getUsage(ctx, t.tx, key)
}

func (t *sqliteTx) SetUsage(ctx context.Context, key, metric string, value int64) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (license_key, metric, value) VALUES (?, ?, ?)
		ON CONFLICT (license_key, metric) DO UPDATE SET value = excluded.value
	`, t.store.usage)
	if _, err := t.tx.ExecContext(ctx, query, key, metric, value); err != nil {
		return fmt.Errorf("set usage: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteLicense(row rowScanner) (*License, error) {
	var (
		lic                 License
		issuedAt, expiresAt string
		status, limits      string
		revokedAt           sql.NullString
		maxActivations      sql.NullInt64
	)
	if err := row.Scan(&lic.Key, &lic.Tier, &lic.ProductID, &lic.IssuedTo,
		&issuedAt, &expiresAt, &status, &revokedAt, &limits, &maxActivations); err != nil {
		return nil, err
	}
	var err error
	if lic.IssuedAt, err = parseSQLiteTime(issuedAt); err != nil {
		return nil, err
	}
	if lic.ExpiresAt, err = parseSQLiteTime(expiresAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := parseSQLiteTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		lic.RevokedAt = &t
	}
	if err := json.Unmarshal([]byte(limits), &lic.Limits); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	if maxActivations.Valid {
		n := int(maxActivations.Int64)
		lic.MaxActivations = &n
	}
	lic.Status = Status(status)
	return &lic, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatSQLiteTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatSQLiteTime(*t), Valid: true}
}

func parseSQLiteTime(value string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
