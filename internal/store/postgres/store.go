// Package postgres implements the storage port on a single records table.
// Conditional batches run in one transaction that locks the touched rows
// in key order before any version check, so concurrent commits serialize
// per key instead of deadlocking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctoriola/orderly-fresh/internal/store"
)

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS records (
		key     TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		value   BYTEA NOT NULL
	)
`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, verifies the connection and creates the records table
// when it does not exist yet.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, unavailable(err)
	}
	s := NewStore(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	rec := store.Record{Key: key}
	row := s.pool.QueryRow(ctx, `SELECT version, value FROM records WHERE key = $1`, key)
	if err := row.Scan(&rec.Version, &rec.Value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, unavailable(err)
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	return s.commitTx(ctx, []store.Write{{Key: key, Value: value, Version: version}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE key = $1`, key)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPrefix(ctx context.Context, prefix string) ([]store.Record, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := s.pool.Query(ctx, `SELECT key, version, value FROM records WHERE key LIKE $1 ESCAPE '\' ORDER BY key`, pattern)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Value); err != nil {
			return nil, unavailable(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	_, err := s.commitTx(ctx, writes)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) commitTx(ctx context.Context, writes []store.Write) (last int64, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := lockVersions(ctx, tx, writes)
	if err != nil {
		return 0, err
	}
	for _, w := range writes {
		if w.Version != store.VersionAny && current[w.Key] != w.Version {
			err = store.ErrConflict
			return 0, err
		}
	}

	for _, w := range writes {
		switch {
		case w.Delete:
			if _, err = tx.Exec(ctx, `DELETE FROM records WHERE key = $1`, w.Key); err != nil {
				return 0, unavailable(err)
			}
			current[w.Key] = 0
		case current[w.Key] == 0 && w.Version == store.VersionAny:
			// An unconditional write racing another insert must not
			// surface as a conflict, so it upserts instead.
			row := tx.QueryRow(ctx, `
				INSERT INTO records (key, version, value) VALUES ($1, 1, $2)
				ON CONFLICT (key) DO UPDATE SET version = records.version + 1, value = EXCLUDED.value
				RETURNING version
			`, w.Key, w.Value)
			if err = row.Scan(&last); err != nil {
				return 0, unavailable(err)
			}
			current[w.Key] = last
		case current[w.Key] == 0:
			// Absent rows cannot be locked, so a concurrent insert shows
			// up here as a unique violation once the other side commits.
			row := tx.QueryRow(ctx, `INSERT INTO records (key, version, value) VALUES ($1, 1, $2) RETURNING version`, w.Key, w.Value)
			if err = row.Scan(&last); err != nil {
				if isUniqueViolation(err) {
					err = store.ErrConflict
					return 0, err
				}
				return 0, unavailable(err)
			}
			current[w.Key] = last
		default:
			row := tx.QueryRow(ctx, `UPDATE records SET version = version + 1, value = $2 WHERE key = $1 RETURNING version`, w.Key, w.Value)
			if err = row.Scan(&last); err != nil {
				return 0, unavailable(err)
			}
			current[w.Key] = last
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, unavailable(err)
	}
	return last, nil
}

func lockVersions(ctx context.Context, tx pgx.Tx, writes []store.Write) (map[string]int64, error) {
	keys := make([]string, 0, len(writes))
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		if !seen[w.Key] {
			seen[w.Key] = true
			keys = append(keys, w.Key)
		}
	}
	sort.Strings(keys)

	rows, err := tx.Query(ctx, `SELECT key, version FROM records WHERE key = ANY($1) ORDER BY key FOR UPDATE`, keys)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	current := make(map[string]int64, len(keys))
	for rows.Next() {
		var key string
		var version int64
		if err := rows.Scan(&key, &version); err != nil {
			return nil, unavailable(err)
		}
		current[key] = version
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return current, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
