package persona

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew = "persona.store.new"
	opList     = "persona.list"
	opFind     = "persona.find"
	opUpsert   = "persona.upsert"
)

var errMissingDatabase = errors.New("database handle is required")

// StoreConfig describes the dependencies of the character catalog.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store reads and writes character definitions.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a catalog store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// List returns the active characters ordered by name.
func (s *Store) List(ctx context.Context) ([]Character, error) {
	var characters []Character
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Find(&characters).Error; err != nil {
		s.logger.Error("character list failed", zap.Error(err))
		return nil, servicerr.New(opList, "query_failed", err)
	}
	return characters, nil
}

// Find returns an active character by identifier.
func (s *Store) Find(ctx context.Context, characterID string) (Character, error) {
	id := strings.TrimSpace(characterID)
	if id == "" {
		return Character{}, ErrCharacterNotFound
	}
	var character Character
	err := s.db.WithContext(ctx).
		Where("character_id = ? AND active = ?", id, true).
		Take(&character).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Character{}, ErrCharacterNotFound
	}
	if err != nil {
		s.logger.Error("character lookup failed", zap.String("character_id", id), zap.Error(err))
		return Character{}, servicerr.New(opFind, "query_failed", err)
	}
	return character, nil
}

// Upsert validates and stores a character definition, replacing any previous version.
func (s *Store) Upsert(ctx context.Context, character Character) error {
	character.ID = strings.TrimSpace(character.ID)
	if err := character.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "character_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "title", "system_prompt", "opening_line", "catchphrases", "secrets", "free_message_limit", "message_cost", "fanclub_price", "currency", "active", "updated_at"}),
		}).
		Create(&character).Error
	if err != nil {
		s.logger.Error("character upsert failed", zap.String("character_id", character.ID), zap.Error(err))
		return servicerr.New(opUpsert, "write_failed", err)
	}
	return nil
}
