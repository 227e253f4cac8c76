package relationship

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/progression"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentifier indicates a missing user or character identifier.
	ErrInvalidIdentifier = errors.New("relationship: user and character identifiers are required")
	// ErrFreeQuotaExhausted indicates a concurrent exchange consumed the last free message of the period.
	ErrFreeQuotaExhausted = errors.New("relationship: free quota exhausted")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLadder   = errors.New("progression ladder is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew       = "relationship.store.new"
	opLoad           = "relationship.load"
	opSetFollowing   = "relationship.set_following"
	opSetFanclub     = "relationship.set_fanclub"
	opRecordExchange = "relationship.record_exchange"
)

// StoreConfig describes the dependencies of the relationship store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Ladder   *progression.Ladder
	// Location is the time zone whose calendar months bound the free quota. Defaults to UTC.
	Location *time.Location
	Logger   *zap.Logger
}

// Store serializes every relationship mutation through a per-row transaction.
type Store struct {
	db       *gorm.DB
	clock    func() time.Time
	ladder   *progression.Ladder
	location *time.Location
	logger   *zap.Logger
}

// ExchangeInput describes one completed exchange to apply to a relationship.
type ExchangeInput struct {
	UserID      string
	CharacterID string
	XPAward     int64
	// ConsumeFreeQuota increments the monthly counter; FreeMessageLimit bounds it.
	ConsumeFreeQuota bool
	FreeMessageLimit int
	// Persist runs in the same transaction after the update; an error rolls the update back and
	// is returned unchanged.
	Persist func(tx *gorm.DB, result ExchangeResult) error
}

// ExchangeResult is the relationship after the exchange and the progression outcome.
type ExchangeResult struct {
	Record  Record
	Outcome progression.Outcome
}

// NewStore constructs a relationship store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ladder == nil {
		return nil, servicerr.New(opStoreNew, "missing_ladder", errMissingLadder)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:       cfg.Database,
		clock:    clock,
		ladder:   cfg.Ladder,
		location: location,
		logger:   logger,
	}, nil
}

// Load returns the relationship for the pair, creating it on first interaction and
// applying any pending monthly quota reset.
func (s *Store) Load(ctx context.Context, userID, characterID string) (Record, error) {
	var record Record
	err := s.withLockedRecord(ctx, opLoad, userID, characterID, func(tx *gorm.DB, locked *Record) error {
		record = *locked
		return nil
	})
	return record, err
}

// SetFollowing toggles the follow flag.
func (s *Store) SetFollowing(ctx context.Context, userID, characterID string, following bool) (Record, error) {
	return s.setFlag(ctx, opSetFollowing, userID, characterID, "is_following", following)
}

// SetFanclub toggles the fan-club membership flag.
func (s *Store) SetFanclub(ctx context.Context, userID, characterID string, member bool) (Record, error) {
	return s.setFlag(ctx, opSetFanclub, userID, characterID, "is_fanclub", member)
}

func (s *Store) setFlag(ctx context.Context, operation, userID, characterID, column string, value bool) (Record, error) {
	var record Record
	err := s.withLockedRecord(ctx, operation, userID, characterID, func(tx *gorm.DB, locked *Record) error {
		if err := tx.Model(&Record{}).
			Where("user_id = ? AND character_id = ?", locked.UserID, locked.CharacterID).
			Updates(map[string]interface{}{column: value, "updated_at": s.clock().UTC()}).Error; err != nil {
			s.logError(operation, "update_failed", err, zap.String("user_id", locked.UserID), zap.String("character_id", locked.CharacterID))
			return servicerr.New(operation, "update_failed", err)
		}
		record = *locked
		switch column {
		case "is_following":
			record.IsFollowing = value
		case "is_fanclub":
			record.IsFanclub = value
		}
		return nil
	})
	return record, err
}

// RecordExchange applies one completed exchange: XP and level through the ladder, message
// counters, timestamps and, for free exchanges, the monthly quota counter.
func (s *Store) RecordExchange(ctx context.Context, input ExchangeInput) (ExchangeResult, error) {
	var result ExchangeResult
	err := s.withLockedRecord(ctx, opRecordExchange, input.UserID, input.CharacterID, func(tx *gorm.DB, locked *Record) error {
		updated := *locked
		if input.ConsumeFreeQuota {
			if updated.MonthlyFreeMessagesUsed >= input.FreeMessageLimit {
				return ErrFreeQuotaExhausted
			}
			updated.MonthlyFreeMessagesUsed++
		}

		outcome := s.ladder.Apply(updated.Standing(), input.XPAward)
		now := s.clock().UTC()
		updated.Level = outcome.Current.Level
		updated.ExperiencePoints = outcome.Current.XP
		updated.TotalMessages++
		if updated.FirstMessageAt == nil {
			updated.FirstMessageAt = &now
		}
		updated.LastMessageAt = &now
		updated.UpdatedAt = now

		if err := tx.Model(&Record{}).
			Where("user_id = ? AND character_id = ?", updated.UserID, updated.CharacterID).
			Updates(map[string]interface{}{
				"level":                      updated.Level,
				"experience_points":          updated.ExperiencePoints,
				"total_messages":             updated.TotalMessages,
				"monthly_free_messages_used": updated.MonthlyFreeMessagesUsed,
				"first_message_at":           updated.FirstMessageAt,
				"last_message_at":            updated.LastMessageAt,
				"updated_at":                 now,
			}).Error; err != nil {
			s.logError(opRecordExchange, "update_failed", err, zap.String("user_id", updated.UserID), zap.String("character_id", updated.CharacterID))
			return servicerr.New(opRecordExchange, "update_failed", err)
		}

		applied := ExchangeResult{Record: updated, Outcome: outcome}
		if input.Persist != nil {
			if err := input.Persist(tx, applied); err != nil {
				return err
			}
		}
		result = applied
		return nil
	})
	return result, err
}

// withLockedRecord creates the record when missing, locks it, normalizes its quota period and
// runs fn inside the same transaction.
func (s *Store) withLockedRecord(ctx context.Context, operation, userID, characterID string, fn func(tx *gorm.DB, locked *Record) error) error {
	userID = strings.TrimSpace(userID)
	characterID = strings.TrimSpace(characterID)
	if userID == "" || characterID == "" {
		return ErrInvalidIdentifier
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		seed := Record{
			UserID:      userID,
			CharacterID: characterID,
			Level:       1,
			QuotaPeriod: PeriodOf(now, s.location),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_id"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			s.logError(operation, "create_failed", err, zap.String("user_id", userID), zap.String("character_id", characterID))
			return servicerr.New(operation, "create_failed", err)
		}

		var record Record
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND character_id = ?", userID, characterID).
			Take(&record).Error; err != nil {
			s.logError(operation, "select_failed", err, zap.String("user_id", userID), zap.String("character_id", characterID))
			return servicerr.New(operation, "select_failed", err)
		}

		normalized, changed := NormalizePeriod(record, now, s.location)
		if changed {
			if err := tx.Model(&Record{}).
				Where("user_id = ? AND character_id = ?", userID, characterID).
				Updates(map[string]interface{}{
					"quota_period":               normalized.QuotaPeriod,
					"monthly_free_messages_used": normalized.MonthlyFreeMessagesUsed,
				}).Error; err != nil {
				s.logError(operation, "period_reset_failed", err, zap.String("user_id", userID), zap.String("character_id", characterID))
				return servicerr.New(operation, "period_reset_failed", err)
			}
			s.logger.Debug("monthly quota reset",
				zap.String("user_id", userID),
				zap.String("character_id", characterID),
				zap.String("quota_period", normalized.QuotaPeriod))
		}
		return fn(tx, &normalized)
	})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relationship store error", attrs...)
}
