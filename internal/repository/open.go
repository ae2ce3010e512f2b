package repository

import (
	"context"

	"github.com/yecday/registration/internal/config"
	"github.com/yecday/registration/internal/database"
)

// MemoryURL selects the in-memory repository instead of Postgres.
const MemoryURL = "memory"

// Open connects to the configured database. The returned Database is nil for
// the in-memory repository; otherwise the caller closes it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, *database.Database, error) {
	if cfg.URL == MemoryURL {
		return NewMemoryRepository(), nil, nil
	}

	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.URL, cfg.MaxConns); err != nil {
		return nil, nil, err
	}
	return NewPostgresRepository(&db), &db, nil
}
