package storage

import (
	"context"
	"errors"
	"strings"

	logx "opscron/pkg/logx"
)

// Open initializes the configured store, wrapped in a failure guard unless disabled.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.GuardFailures < 0 {
		return st, nil
	}
	return NewGuarded(st, driver, cfg.GuardFailures, cfg.GuardCooldown, log), nil
}

func normLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 50
	}
	return limit
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
