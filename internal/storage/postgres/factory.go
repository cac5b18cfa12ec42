// Package postgres opens the SQL rule store on PostgreSQL through the pgx
// stdlib driver
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"webhook-rules/internal/storage"
	"webhook-rules/internal/storage/sqlstore"
)

// NewStore connects to the database described by config
func NewStore(ctx context.Context, config *Config) (*sqlstore.Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	connConfig, err := pgx.ParseConfig(config.GetConnectionString())
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL connection string: %w", err)
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	adapter, err := sqlstore.NewAdapter(ctx, db, sqlstore.Postgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	return adapter, nil
}

type Factory struct{}

func (f *Factory) Create(config storage.StorageConfig) (storage.RuleStore, error) {
	pgConfig, ok := config.(*Config)
	if !ok {
		return nil, fmt.Errorf("invalid config type for PostgreSQL storage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return NewStore(ctx, pgConfig)
}

func (f *Factory) GetType() string {
	return "postgres"
}
