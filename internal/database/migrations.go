package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedLaunchCharacters = "2026-05-01_seed_launch_characters"
	migrationBackfillQuotaPeriod  = "2026-06-01_backfill_quota_period"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationEnv struct {
	now      func() time.Time
	location *time.Location
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, migrationEnv) error
}

func applyMigrations(db *gorm.DB, env migrationEnv, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedLaunchCharacters, apply: seedLaunchCharacters},
		{name: migrationBackfillQuotaPeriod, apply: backfillQuotaPeriod},
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
		if err := migration.apply(db, env); err != nil {
			return err
		}
		appliedAt := env.now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedLaunchCharacters installs the launch roster without touching characters that already exist.
func seedLaunchCharacters(db *gorm.DB, _ migrationEnv) error {
	characters := persona.Seed()
	for index := range characters {
		if err := characters[index].Validate(); err != nil {
			return err
		}
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "character_id"}},
		DoNothing: true,
	}).Create(&characters).Error
}

// backfillQuotaPeriod assigns the current period to relationships created before quota periods
// existed, so their counters are kept instead of reset.
func backfillQuotaPeriod(db *gorm.DB, env migrationEnv) error {
	return db.Model(&relationship.Record{}).
		Where("quota_period = ?", "").
		Update("quota_period", relationship.PeriodOf(env.now(), env.location)).Error
}
