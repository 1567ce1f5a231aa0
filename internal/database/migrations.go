package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDocumentVersions = "2026-09-01_backfill_document_versions"
	migrationStripProviderPrefix      = "2026-09-15_strip_provider_prefix"
	legacyProviderPrefix              = "google:"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDocumentVersions, apply: backfillDocumentVersions},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDocumentVersions gives rows imported without a version a starting version of 1.
func backfillDocumentVersions(db *gorm.DB) error {
	return db.Table("documents").
		Where("version < ?", 1).
		Update("version", 1).Error
}

// stripProviderPrefix rewrites legacy "google:<sub>" user ids to the canonical subject.
func stripProviderPrefix(db *gorm.DB) error {
	columns := []struct {
		table  string
		column string
	}{
		{table: "documents", column: "owner_id"},
		{table: "documents", column: "last_writer_id"},
		{table: "document_liveness", column: "user_id"},
	}
	start := len(legacyProviderPrefix) + 1
	for _, target := range columns {
		err := db.Table(target.table).
			Where(target.column+" LIKE ?", legacyProviderPrefix+"%").
			Update(target.column, gorm.Expr("SUBSTR("+target.column+", ?)", start)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
