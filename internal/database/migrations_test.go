package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsSeedsAndBackfills(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&persona.Character{}, &relationship.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	customized := persona.Seed()[0]
	customized.MessageCost = 99
	if err := database.Create(&customized).Error; err != nil {
		testContext.Fatalf("failed to insert character: %v", err)
	}
	legacy := relationship.Record{UserID: "user-1", CharacterID: customized.ID, Level: 2, MonthlyFreeMessagesUsed: 6}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert relationship: %v", err)
	}

	env := migrationEnv{
		now:      func() time.Time { return time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC) },
		location: time.UTC,
	}
	if err := applyMigrations(database, env, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, env, zap.NewNop()); err != nil {
		testContext.Fatalf("second run must be a no-op: %v", err)
	}

	var characters []persona.Character
	if err := database.Find(&characters).Error; err != nil {
		testContext.Fatalf("failed to list characters: %v", err)
	}
	if len(characters) != len(persona.Seed()) {
		testContext.Fatalf("expected %d characters, got %d", len(persona.Seed()), len(characters))
	}
	var stored persona.Character
	if err := database.Where("character_id = ?", customized.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload character: %v", err)
	}
	if stored.MessageCost != 99 {
		testContext.Fatalf("seed must not overwrite existing characters, got cost %d", stored.MessageCost)
	}

	var reloaded relationship.Record
	if err := database.Where("user_id = ?", "user-1").Take(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload relationship: %v", err)
	}
	if reloaded.QuotaPeriod != "2026-06" || reloaded.MonthlyFreeMessagesUsed != 6 {
		testContext.Fatalf("expected backfilled period with the counter kept, got %+v", reloaded)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to list migration records: %v", err)
	}
	if len(records) != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", len(records))
	}
}

func TestOpenSQLiteMigratesEverything(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "companion.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"characters", "relationships", "coin_balances", "coin_transactions", "memory_summaries", "exchanges", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
