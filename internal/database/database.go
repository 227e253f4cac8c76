package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/exchange"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/memory"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/relationship"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects the storage backend.
type Config struct {
	Driver string
	// Path is the SQLite file; DSN is the MySQL data source name.
	Path string
	DSN  string
	// QuotaLocation is the time zone of the monthly free quota, used by data migrations.
	QuotaLocation *time.Location
	Clock         func() time.Time
}

// Open establishes the configured connection and performs schema and data migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(cfg.Path)
	case DriverMySQL:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true, Logger: newQueryLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(
		&persona.Character{},
		&relationship.Record{},
		&ledger.Balance{},
		&ledger.Transaction{},
		&memory.Summary{},
		&exchange.Exchange{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.QuotaLocation
	if location == nil {
		location = time.UTC
	}
	if err := applyMigrations(db, migrationEnv{now: clock, location: location}, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver), zap.String("path", cfg.Path))
	}

	return db, nil
}

// OpenSQLite opens a SQLite database at path with default settings.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Config{Driver: DriverSQLite, Path: path}, logger)
}
