package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "notifycore/pkg/logx"
)

//go:embed migrations.sql migrations_postgres.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, c Collection, d Document) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.ID == "" {
		return ErrEmptyID
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(upsertDocument, placeholders(questionMark, 8)),
		string(c), d.ID, d.UserID, d.Kind, d.Status, unixMilli(d.At), unixMilli(d.ExpiresAt), bodyText(d),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, c Collection, id string) (Document, error) {
	if s == nil || s.db == nil {
		return Document{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, status, at, expires_at, body FROM documents WHERE collection = ? AND id = ?`,
		string(c), id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) Delete(ctx context.Context, c Collection, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, string(c), id)
	return err
}

func (s *sqliteStore) List(ctx context.Context, c Collection, f Filter) ([]Document, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q, args := listQuery(questionMark, c, f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, c Collection, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := before.UnixMilli()
	res, err := s.db.ExecContext(ctx, pruneQuery(questionMark), string(c), ms, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, e DedupEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, id, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET id=excluded.id, until=excluded.until`,
		key, e.ID, e.Until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (DedupEntry, bool, error) {
	if s == nil || s.db == nil {
		return DedupEntry{}, false, ErrDisabled
	}
	if key == "" {
		return DedupEntry{}, false, nil
	}
	var (
		id string
		ms int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, until FROM dedup WHERE key = ?`, key).Scan(&id, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return DedupEntry{}, false, nil
	}
	if err != nil {
		return DedupEntry{}, false, err
	}
	return DedupEntry{ID: id, Until: time.UnixMilli(ms)}, true, nil
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
