package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/chats"
	"github.com/MarcoPoloResearchLab/chatsync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedRowVersion    = "2026-09-01_seed_row_version_sequence"
	migrationBackfillMsgStatus = "2026-09-15_backfill_chat_message_status"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationSeedRowVersion, apply: seedRowVersion},
	{name: migrationBackfillMsgStatus, apply: backfillMessageStatus},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// seedRowVersion starts the row version counter above every version already
// stored so a restored database never reissues one.
func seedRowVersion(db *gorm.DB) error {
	if err := reconcile.SeedSequence(db, reconcile.RowVersionSequence); err != nil {
		return err
	}
	var highest int64
	for _, table := range []string{chats.Chat{}.TableName(), chats.ChatMessage{}.TableName()} {
		var tableMax int64
		if err := db.Table(table).Select("COALESCE(MAX(row_version), 0)").Scan(&tableMax).Error; err != nil {
			return err
		}
		highest = max(highest, tableMax)
	}
	return db.Model(&reconcile.Sequence{}).
		Where("name = ? AND value < ?", reconcile.RowVersionSequence, highest).
		UpdateColumn("value", highest).Error
}

func backfillMessageStatus(db *gorm.DB) error {
	return db.Model(&chats.ChatMessage{}).
		Where("status IS NULL OR status = ''").
		UpdateColumn("status", chats.StatusComplete).Error
}
