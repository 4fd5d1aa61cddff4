package reconcile

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RowVersionSequence names the counter that stamps entity rows on every write.
const RowVersionSequence = "row_version"

// Sequence is a named monotonically increasing counter.
type Sequence struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Sequence) TableName() string {
	return "sync_sequences"
}

// SeedSequence creates the named counter at zero unless it already exists.
func SeedSequence(tx *gorm.DB, name string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Sequence{Name: name, Value: 0}).Error
}

// NextRowVersion advances the row version counter inside tx and returns the new
// value. Entity writes must call it in the same transaction as the write itself.
func NextRowVersion(tx *gorm.DB) (int64, error) {
	if err := SeedSequence(tx, RowVersionSequence); err != nil {
		return 0, err
	}
	if err := tx.Model(&Sequence{}).
		Where("name = ?", RowVersionSequence).
		UpdateColumn("value", gorm.Expr("value + 1")).Error; err != nil {
		return 0, err
	}
	var sequence Sequence
	if err := tx.Where("name = ?", RowVersionSequence).Take(&sequence).Error; err != nil {
		return 0, err
	}
	return sequence.Value, nil
}
