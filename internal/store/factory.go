package store

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/imgsift/internal/config"
)

// Open returns the RecordStore selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, dims int) (RecordStore, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(cfg.SQLitePath, dims)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresURL, dims, cfg.MaxConns)
	case "memory":
		return NewMemoryStore(dims), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
