package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "notifycore/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info("postgres storage ready", logx.Int("max_conns", int(pool.Config().MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Put(ctx context.Context, c Collection, d Document) error {
	if d.ID == "" {
		return ErrEmptyID
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(upsertDocument, placeholders(dollar, 8)),
		string(c), d.ID, d.UserID, d.Kind, d.Status, unixMilli(d.At), unixMilli(d.ExpiresAt), bodyText(d),
	)
	return err
}

func (s *postgresStore) Get(ctx context.Context, c Collection, id string) (Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, status, at, expires_at, body FROM documents WHERE collection = $1 AND id = $2`,
		string(c), id)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *postgresStore) Delete(ctx context.Context, c Collection, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, string(c), id)
	return err
}

func (s *postgresStore) List(ctx context.Context, c Collection, f Filter) ([]Document, error) {
	q, args := listQuery(dollar, c, f)
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *postgresStore) PruneBefore(ctx context.Context, c Collection, before time.Time) (int, error) {
	ms := before.UnixMilli()
	tag, err := s.pool.Exec(ctx, pruneQuery(dollar), string(c), ms, ms)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, e DedupEntry) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, id, until) VALUES($1,$2,$3)
		 ON CONFLICT(key) DO UPDATE SET id=excluded.id, until=excluded.until`,
		key, e.ID, e.Until.UnixMilli(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (DedupEntry, bool, error) {
	if key == "" {
		return DedupEntry{}, false, nil
	}
	var (
		id string
		ms int64
	)
	err := s.pool.QueryRow(ctx, `SELECT id, until FROM dedup WHERE key = $1`, key).Scan(&id, &ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return DedupEntry{}, false, nil
	}
	if err != nil {
		return DedupEntry{}, false, err
	}
	return DedupEntry{ID: id, Until: time.UnixMilli(ms)}, true, nil
}
