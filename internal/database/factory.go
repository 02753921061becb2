package database

import (
	"fmt"
	"os"
	"path/filepath"

	"keel-go/internal/config"
)

// NewDatabaseFromConfig creates a SQLiteDatabase based on the database config type.
// The sqlite file is named after the instance so several instances can share a data dir.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, instanceID string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, instanceID+".db")
		return NewSQLiteDatabase(dbPath, nil, nil)
	case "memory":
		db, err := NewSQLiteDatabase(":memory:", nil, nil)
		if err != nil {
			return nil, err
		}
		if err := db.MigrateUp(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
