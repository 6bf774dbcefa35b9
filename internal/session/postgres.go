package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"echo-transcript/internal/history"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionsTable = "transcript_sessions"

// PostgresStore implements SnapshotStore on a Postgres table with a jsonb
// snapshot column.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

// NewPostgresPool builds a pool and checks connectivity.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	conn.Release()
	return pool, nil
}

// NewPostgresStore 使用 schema 下的 transcript_sessions 表；schema 为空时用 search_path。
func NewPostgresStore(pool *pgxpool.Pool, schema string) *PostgresStore {
	ident := pgx.Identifier{sessionsTable}
	if s := strings.TrimSpace(schema); s != "" {
		ident = pgx.Identifier{s, sessionsTable}
	}
	return &PostgresStore{pool: pool, table: ident.Sanitize(), now: time.Now}
}

// EnsureSchema creates the table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           text PRIMARY KEY,
			workdir      text NOT NULL DEFAULT '',
			title        text NOT NULL DEFAULT '',
			revision     text NOT NULL,
			updated_at   timestamptz NOT NULL,
			record_count integer NOT NULL,
			snapshot     jsonb NOT NULL
		)
	`, s.table))
	return err
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) (Record, error) {
	rec = stamp(rec, s.now())
	data, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return Record{}, err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, workdir, title, revision, updated_at, record_count, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			workdir = EXCLUDED.workdir,
			title = EXCLUDED.title,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at,
			record_count = EXCLUDED.record_count,
			snapshot = EXCLUDED.snapshot
	`, s.table), rec.ID, rec.Workdir, rec.Title, rec.Revision, rec.Updated, len(rec.Snapshot.Records), data)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (Record, error) {
	return s.loadOne(ctx, fmt.Sprintf(`
		SELECT id, workdir, title, revision, updated_at, snapshot
		FROM %s
		WHERE id = $1
	`, s.table), id)
}

func (s *PostgresStore) Latest(ctx context.Context, workdir string) (Record, error) {
	return s.loadOne(ctx, fmt.Sprintf(`
		SELECT id, workdir, title, revision, updated_at, snapshot
		FROM %s
		WHERE $1 = '' OR workdir = '' OR workdir = $1
		ORDER BY updated_at DESC, revision DESC
		LIMIT 1
	`, s.table), workdir)
}

func (s *PostgresStore) loadOne(ctx context.Context, query, arg string) (Record, error) {
	var (
		rec  Record
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(&rec.ID, &rec.Workdir, &rec.Title, &rec.Revision, &rec.Updated, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return Record{}, err
	}
	snap, err := history.UnmarshalSnapshot(data)
	if err != nil {
		return Record{}, err
	}
	rec.Snapshot = snap
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, workdir string) ([]Info, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, workdir, title, revision, updated_at, record_count
		FROM %s
		WHERE $1 = '' OR workdir = '' OR workdir = $1
		ORDER BY updated_at DESC, revision DESC
	`, s.table), workdir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.Workdir, &info.Title, &info.Revision, &info.Updated, &info.Records); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes a session row. Used by tests for cleanup.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	return err
}
