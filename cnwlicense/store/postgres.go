package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the prefix of every table name. Default: "cnw_".
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		s.prefix = prefix
	}
}

// PostgresStore implements Store using PostgreSQL. Units of work lock the
// license row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string

	licenses    string
	activations string
	usage       string
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
// It auto-creates the tables and indexes on initialization.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{
		pool:   pool,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := checkIdentifier("table prefix", s.prefix); err != nil {
		return nil, err
	}
	s.licenses = s.prefix + "licenses"
	s.activations = s.prefix + "activations"
	s.usage = s.prefix + "usage"
	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			license_key     TEXT PRIMARY KEY,
			tier            TEXT NOT NULL DEFAULT '',
			product_id      TEXT NOT NULL DEFAULT '',
			issued_to       TEXT NOT NULL DEFAULT '',
			issued_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ NOT NULL,
			status          TEXT NOT NULL,
			revoked_at      TIMESTAMPTZ,
			limits          JSONB NOT NULL DEFAULT '{}',
			max_activations INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_issued_at ON %[1]s (issued_at DESC);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id           BIGSERIAL,
			license_key  TEXT NOT NULL REFERENCES %[1]s (license_key) ON DELETE CASCADE,
			instance_id  TEXT NOT NULL,
			activated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (license_key, instance_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_activated_at ON %[2]s (activated_at DESC, id DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			license_key TEXT NOT NULL REFERENCES %[1]s (license_key) ON DELETE CASCADE,
			metric      TEXT NOT NULL,
			value       BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (license_key, metric)
		);
	`, s.licenses, s.activations, s.usage)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) InsertLicense(ctx context.Context, lic License) error {
	limits, err := json.Marshal(lic.Limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (license_key, tier, product_id, issued_to, issued_at, expires_at, status, revoked_at, limits, max_activations)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, s.licenses)
		_, err := tx.Exec(ctx, query,
			lic.Key, lic.Tier, lic.ProductID, lic.IssuedTo, lic.IssuedAt, lic.ExpiresAt,
			string(lic.Status), lic.RevokedAt, string(limits), lic.MaxActivations,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert license: %w", err)
		}
		for metric, v := range lic.Usage {
			if err := s.setUsage(ctx, tx, lic.Key, metric, v); err != nil {
				return err
			}
		}
		return nil
	})
}

const pgLicenseColumns = `license_key, tier, product_id, issued_to, issued_at, expires_at, status, revoked_at, limits, max_activations`

func (s *PostgresStore) GetLicense(ctx context.Context, key string) (*License, error) {
	return s.getLicense(ctx, s.pool, key)
}

func (s *PostgresStore) getLicense(ctx context.Context, q pgQuerier, key string) (*License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE license_key = $1`, pgLicenseColumns, s.licenses)
	lic, err := scanPostgresLicense(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	if lic.Usage, err = s.getUsage(ctx, q, key); err != nil {
		return nil, err
	}
	return lic, nil
}

func (s *PostgresStore) getUsage(ctx context.Context, q pgQuerier, key string) (map[string]int64, error) {
	query := fmt.Sprintf(`SELECT metric, value FROM %s WHERE license_key = $1`, s.usage)
	rows, err := q.Query(ctx, query, key)
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

func (s *PostgresStore) setUsage(ctx context.Context, q pgQuerier, key, metric string, value int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (license_key, metric, value) VALUES ($1, $2, $3)
		ON CONFLICT (license_key, metric) DO UPDATE SET value = EXCLUDED.value
	`, s.usage)
	if _, err := q.Exec(ctx, query, key, metric, value); err != nil {
		return fmt.Errorf("set usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLicenses(ctx context.Context, f ListFilter) ([]License, error) {
	var where []string
	var args []any
	if f.ProductID != "" {
		args = append(args, f.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, pgLicenseColumns, s.licenses)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(f), f.Offset)
	query += fmt.Sprintf(" ORDER BY issued_at DESC, license_key LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	out := []License{}
	for rows.Next() {
		lic, err := scanPostgresLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, *lic)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Usage, err = s.getUsage(ctx, s.pool, out[i].Key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) DeleteLicense(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE license_key = $1`, s.licenses)
	tag, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	query := fmt.Sprintf(`
		SELECT license_key, instance_id, activated_at FROM %s
		WHERE license_key = $1 ORDER BY activated_at DESC, id DESC
	`, s.activations)
	return s.queryActivations(ctx, query, key)
}

func (s *PostgresStore) RecentActivations(ctx context.Context, limit int) ([]Activation, error) {
	query := fmt.Sprintf(`
		SELECT license_key, instance_id, activated_at FROM %s
		ORDER BY activated_at DESC, id DESC
	`, s.activations)
	if limit > 0 {
		query += " LIMIT $1"
		return s.queryActivations(ctx, query, limit)
	}
	return s.queryActivations(ctx, query)
}

func (s *PostgresStore) queryActivations(ctx context.Context, query string, args ...any) ([]Activation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	out := []Activation{}
	for rows.Next() {
		var a Activation
		if err := rows.Scan(&a.Key, &a.InstanceID, &a.ActivatedAt); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.ActivatedAt = a.ActivatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	query := fmt.Sprintf(`
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'revoked'),
			(SELECT COUNT(*) FROM %s)
		FROM %s
	`, s.activations, s.licenses)
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.TotalLicenses, &st.ActiveLicenses, &st.RevokedLicenses, &st.TotalActivations,
	)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if st.RecentActivations, err = s.RecentActivations(ctx, StatsRecentActivations); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// A missing row takes no lock; fn then only observes ErrNotFound.
		query := fmt.Sprintf(`SELECT 1 FROM %s WHERE license_key = $1 FOR UPDATE`, s.licenses)
		var one int
		if err := tx.QueryRow(ctx, query, key).Scan(&one); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock license: %w", err)
		}
		return fn(ctx, &postgresTx{store: s, tx: tx, key: key})
	})
}

func (s *PostgresStore) Close(_ context.Context) error {
	return nil // user manages the pgxpool.Pool lifecycle
}

type postgresTx struct {
	store *PostgresStore
	tx    pgx.Tx
	key   string
}

func (t *postgresTx) GetLicense(ctx context.Context, key string) (*License, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	return t.store.getLicense(ctx, t.tx, key)
}

func (t *postgresTx) UpdateStatus(ctx context.Context, key string, status Status, revokedAt *time.Time) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $1, revoked_at = $2 WHERE license_key = $3`, t.store.licenses)
	tag, err := t.tx.Exec(ctx, query, string(status), revokedAt, key)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) CountActivations(ctx context.Context, key string) (int, error) {
	if err := checkScope(t.key, key); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE license_key = $1`, t.store.activations)
	var count int
	if err := t.tx.QueryRow(ctx, query, key).Scan(&count); err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return count, nil
}

func (t *postgresTx) ExistsActivation(ctx context.Context, key, instanceID string) (bool, error) {
	if err := checkScope(t.key, key); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE license_key = $1 AND instance_id = $2)`, t.store.activations)
	var exists bool
	if err := t.tx.QueryRow(ctx, query, key, instanceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("find activation: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) InsertActivation(ctx context.Context, a Activation) error {
	if err := checkScope(t.key, a.Key); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (license_key, instance_id, activated_at) VALUES ($1, $2, $3)`, t.store.activations)
	_, err := t.tx.Exec(ctx, query, a.Key, a.InstanceID, a.ActivatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

func (t *postgresTx) GetUsage(ctx context.Context, key string) (map[string]int64, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	return t.store.getUsage(ctx, t.tx, key)
}

func (t *postgresTx) SetUsage(ctx context.Context, key, metric string, value int64) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	return t.store.setUsage(ctx, t.tx, key, metric, value)
}

func scanPostgresLicense(row pgx.Row) (*License, error) {
	var (
		lic            License
		status         string
		limits         []byte
		maxActivations *int32
	)
	err := row.Scan(&lic.Key, &lic.Tier, &lic.ProductID, &lic.IssuedTo, &lic.IssuedAt,
		&lic.ExpiresAt, &status, &lic.RevokedAt, &limits, &maxActivations)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(limits, &lic.Limits); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	if maxActivations != nil {
		n := int(*maxActivations)
		lic.MaxActivations = &n
	}
	lic.Status = Status(status)
	lic.IssuedAt = lic.IssuedAt.UTC()
	lic.ExpiresAt = lic.ExpiresAt.UTC()
	if lic.RevokedAt != nil {
		t := lic.RevokedAt.UTC()
		lic.RevokedAt = &t
	}
	return &lic, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
