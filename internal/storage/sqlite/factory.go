// Package sqlite opens the SQL rule store on an SQLite database
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"webhook-rules/internal/storage"
	"webhook-rules/internal/storage/sqlstore"
)

// NewStore opens the database described by config
func NewStore(ctx context.Context, config *Config) (*sqlstore.Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// from splitting across the pool.
	db.SetMaxOpenConns(1)

	adapter, err := sqlstore.NewAdapter(ctx, db, sqlstore.SQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return adapter, nil
}

type Factory struct{}

func (f *Factory) Create(config storage.StorageConfig) (storage.RuleStore, error) {
	sqliteConfig, ok := config.(*Config)
	if !ok {
		return nil, fmt.Errorf("invalid config type for SQLite storage")
	}
	return NewStore(context.Background(), sqliteConfig)
}

func (f *Factory) GetType() string {
	return "sqlite"
}
