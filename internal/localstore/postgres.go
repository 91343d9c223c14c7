package localstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps both tables in local_records (see migrations/).
// The bigserial seq column preserves first-insertion order across upserts.
type PostgresStore struct {
	db        DB
	namespace string
	closeFn   func()
}

// NewPostgresStore creates a store over db. closeFn, if set, runs on Close.
func NewPostgresStore(db DB, namespace string, closeFn func()) *PostgresStore {
	if db == nil {
		panic("localstore: db required")
	}
	if namespace == "" {
		namespace = "default"
	}
	return &PostgresStore{db: db, namespace: namespace, closeFn: closeFn}
}

func (s *PostgresStore) Open(ctx context.Context) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT to_regclass('local_records') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("%w: postgres: %v", ErrStorageUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: postgres: local_records missing, run migrations", ErrStorageUnavailable)
	}
	return nil
}

func (s *PostgresStore) GetAll(ctx context.Context, table Table) ([]Record, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT record_key, value
		FROM local_records
		WHERE namespace = $1 AND table_name = $2
		ORDER BY seq ASC`, s.namespace, string(table))
	if err != nil {
		return nil, fmt.Errorf("localstore: list %s: %w", table, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("localstore: scan %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO local_records (namespace, table_name, record_key, value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, table_name, record_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.namespace, string(table), key, value)
	if err != nil {
		return fmt.Errorf("localstore: put %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, table Table, key string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		DELETE FROM local_records
		WHERE namespace = $1 AND table_name = $2 AND record_key = $3`,
		s.namespace, string(table), key)
	if err != nil {
		return fmt.Errorf("localstore: delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
