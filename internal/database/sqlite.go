package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/chatsync/internal/chats"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var pragmas = []string{
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA foreign_keys = ON;",
}

// Models lists every persisted table of the server.
func Models() []any {
	models := []any{&reconcile.ClientGroup{}, &reconcile.Client{}, &reconcile.Sequence{}}
	models = append(models, chats.Models()...)
	return append(models, &migrationRecord{})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, log); err != nil {
		return nil, err
	}

	log.Info("database initialized", zap.String("path", path))
	return db, nil
}
