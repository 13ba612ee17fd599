package storage

import (
	"errors"
	"strings"

	logx "notifycore/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case "memory", "mem":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		st, err = withRedisDedup(st, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}
