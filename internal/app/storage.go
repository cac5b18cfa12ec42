package app

import (
	"fmt"

	"webhook-rules/internal/common/logging"
	"webhook-rules/internal/storage"
	"webhook-rules/internal/storage/memory"
	"webhook-rules/internal/storage/postgres"
	"webhook-rules/internal/storage/sqlite"
)

// newStorageRegistry registers every rule store backend
func newStorageRegistry() *storage.Registry {
	registry := storage.NewRegistry()
	registry.Register(&memory.Factory{})
	registry.Register(&sqlite.Factory{})
	registry.Register(&postgres.Factory{})
	return registry
}

func (app *App) storageConfig() storage.StorageConfig {
	switch {
	case app.Config.IsPostgres():
		app.Logger.Info("Database: PostgreSQL",
			logging.Field{Key: "host", Value: app.Config.PostgresHost},
			logging.Field{Key: "port", Value: app.Config.PostgresPort},
			logging.Field{Key: "database", Value: app.Config.PostgresDB},
		)
		return postgres.NewConfig(
			app.Config.PostgresHost,
			app.Config.PostgresPort,
			app.Config.PostgresDB,
			app.Config.PostgresUser,
			app.Config.PostgresPassword,
			app.Config.PostgresSSLMode,
		)
	case app.Config.DatabaseType == "sqlite":
		dbPath := app.Config.DatabasePath
		if dbPath == "" {
			dbPath = sqlite.DefaultConfig().DatabasePath
		}
		app.Logger.Info("Database: SQLite", logging.Field{Key: "path", Value: dbPath})
		return &sqlite.Config{DatabasePath: dbPath}
	default:
		app.Logger.Info("Database: in-memory (rules are lost on restart)")
		return &memory.Config{}
	}
}

func (app *App) initializeStorage() error {
	store, err := newStorageRegistry().Create(app.storageConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.Storage = store
	return nil
}
