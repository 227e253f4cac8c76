package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentifier indicates a missing user or character identifier.
	ErrInvalidIdentifier = errors.New("memory: user and character identifiers are required")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opStoreNew = "memory.store.new"
	opGet      = "memory.get"
	opSave     = "memory.save"
)

// StoreConfig describes the dependencies of the memory store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and replaces memory summaries.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a memory store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the summary for the pair, or nil when the character remembers nothing yet.
func (s *Store) Get(ctx context.Context, userID, characterID string) (*Summary, error) {
	userID = strings.TrimSpace(userID)
	characterID = strings.TrimSpace(characterID)
	if userID == "" || characterID == "" {
		return nil, ErrInvalidIdentifier
	}
	var summary Summary
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("memory lookup failed", zap.String("user_id", userID), zap.String("character_id", characterID), zap.Error(err))
		return nil, servicerr.New(opGet, "query_failed", err)
	}
	return &summary, nil
}

// Save replaces the summary for the pair. Episodes are stored oldest first.
func (s *Store) Save(ctx context.Context, summary Summary) (Summary, error) {
	summary.UserID = strings.TrimSpace(summary.UserID)
	summary.CharacterID = strings.TrimSpace(summary.CharacterID)
	if summary.UserID == "" || summary.CharacterID == "" {
		return Summary{}, ErrInvalidIdentifier
	}
	sort.SliceStable(summary.Episodes, func(i, j int) bool {
		return summary.Episodes[i].OccurredAt.Before(summary.Episodes[j].OccurredAt)
	})
	summary.UpdatedAt = s.clock().UTC()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"topics", "key_facts", "episodes", "updated_at"}),
		}).
		Create(&summary).Error
	if err != nil {
		s.logger.Error("memory save failed", zap.String("user_id", summary.UserID), zap.String("character_id", summary.CharacterID), zap.Error(err))
		return Summary{}, servicerr.New(opSave, "write_failed", err)
	}
	return summary, nil
}
