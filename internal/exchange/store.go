package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidExchange indicates a missing identifier or idempotency key.
	ErrInvalidExchange = errors.New("exchange: user, character and idempotency key are required")
	// ErrDuplicate indicates an exchange with the same idempotency key was already recorded.
	ErrDuplicate = errors.New("exchange: already recorded")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew  = "exchange.store.new"
	opRecord    = "exchange.record"
	opFindByKey = "exchange.find_by_key"
	opRecent    = "exchange.recent"
)

// StoreConfig describes the dependencies of the exchange store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store appends and reads exchanges.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs an exchange store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, servicerr.New(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Record assigns an id and timestamp to the exchange and appends it.
func (s *Store) Record(ctx context.Context, exchange Exchange) (Exchange, error) {
	return s.record(s.db.WithContext(ctx), exchange)
}

// RecordTx appends the exchange inside tx so it commits or rolls back with the caller's writes.
func (s *Store) RecordTx(tx *gorm.DB, exchange Exchange) (Exchange, error) {
	return s.record(tx, exchange)
}

func (s *Store) record(db *gorm.DB, exchange Exchange) (Exchange, error) {
	if strings.TrimSpace(exchange.UserID) == "" || strings.TrimSpace(exchange.CharacterID) == "" || strings.TrimSpace(exchange.IdempotencyKey) == "" {
		return Exchange{}, ErrInvalidExchange
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err, zap.String("user_id", exchange.UserID))
		return Exchange{}, servicerr.New(opRecord, "id_generation_failed", err)
	}
	exchange.ID = id
	exchange.CreatedAt = s.clock().UTC()

	if err := db.Create(&exchange).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Exchange{}, ErrDuplicate
		}
		s.logError(opRecord, "insert_failed", err, zap.String("user_id", exchange.UserID), zap.String("character_id", exchange.CharacterID))
		return Exchange{}, servicerr.New(opRecord, "insert_failed", err)
	}
	return exchange, nil
}

// FindByKey returns the exchange recorded under the user's idempotency key.
func (s *Store) FindByKey(ctx context.Context, userID, idempotencyKey string) (Exchange, bool, error) {
	var exchange Exchange
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).
		Take(&exchange).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Exchange{}, false, nil
	}
	if err != nil {
		s.logError(opFindByKey, "query_failed", err, zap.String("user_id", userID))
		return Exchange{}, false, servicerr.New(opFindByKey, "query_failed", err)
	}
	return exchange, true, nil
}

// Recent returns up to limit of the pair's latest exchanges in chronological order.
func (s *Store) Recent(ctx context.Context, userID, characterID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		return nil, nil
	}
	var exchanges []Exchange
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND character_id = ?", userID, characterID).
		Order("created_at DESC").
		Order("exchange_id DESC").
		Limit(limit).
		Find(&exchanges).Error; err != nil {
		s.logError(opRecent, "query_failed", err, zap.String("user_id", userID), zap.String("character_id", characterID))
		return nil, servicerr.New(opRecent, "query_failed", err)
	}
	for left, right := 0, len(exchanges)-1; left < right; left, right = left+1, right-1 {
		exchanges[left], exchanges[right] = exchanges[right], exchanges[left]
	}
	return exchanges, nil
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
	s.logger.Error("exchange store error", attrs...)
}
