package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds indicates the balance is below the requested debit.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount indicates a non-positive amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidType indicates a transaction type that does not match the operation.
	ErrInvalidType = errors.New("ledger: invalid transaction type")
	// ErrInvalidUser indicates a missing user identifier.
	ErrInvalidUser = errors.New("ledger: user identifier is required")
	// ErrMissingIdempotencyKey indicates a debit without an idempotency key.
	ErrMissingIdempotencyKey = errors.New("ledger: idempotency key is required")
	// ErrIdempotencyConflict indicates a reused reference with a different amount or type.
	ErrIdempotencyConflict = errors.New("ledger: reference already used for a different operation")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "ledger.service.new"
	opSpend      = "ledger.spend"
	opCredit     = "ledger.credit"
	opBalance    = "ledger.balance"
	opHistory    = "ledger.history"
	opRefunded   = "ledger.refunded"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ServiceConfig describes the dependencies of the ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service applies debits and credits atomically.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// SpendRequest describes a debit. IdempotencyKey makes retries apply at most once.
type SpendRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	Type           TransactionType
}

// CreditRequest describes a credit. RefID is optional; when present the credit is idempotent.
type CreditRequest struct {
	UserID string
	Amount int64
	Type   TransactionType
	RefID  string
}

// Receipt is the recorded result of a ledger operation.
type Receipt struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    int64  `json:"balance"`
	Replayed      bool   `json:"replayed"`
}

// NewService constructs a ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, servicerr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Spend debits amount from the user's balance. A transaction already recorded under the same
// idempotency key is returned as is without touching the balance.
func (s *Service) Spend(ctx context.Context, request SpendRequest) (Receipt, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return Receipt{}, ErrInvalidUser
	}
	if request.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	txType := request.Type
	if txType == "" {
		txType = TypeChatExtra
	}
	if !txType.isDebit() {
		return Receipt{}, fmt.Errorf("%w: %s is not a debit", ErrInvalidType, txType)
	}
	refID := strings.TrimSpace(request.IdempotencyKey)
	if refID == "" {
		return Receipt{}, ErrMissingIdempotencyKey
	}

	receipt, err := s.apply(ctx, opSpend, userID, -request.Amount, txType, refID)
	if err == nil || !errors.Is(err, gorm.ErrDuplicatedKey) {
		return receipt, err
	}
	return s.replay(ctx, opSpend, userID, -request.Amount, txType, refID)
}

// Credit adds amount to the user's balance. It only fails on invalid input or storage errors.
func (s *Service) Credit(ctx context.Context, request CreditRequest) (Receipt, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return Receipt{}, ErrInvalidUser
	}
	if request.Amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}
	if !request.Type.isCredit() {
		return Receipt{}, fmt.Errorf("%w: %s is not a credit", ErrInvalidType, request.Type)
	}
	refID := strings.TrimSpace(request.RefID)

	receipt, err := s.apply(ctx, opCredit, userID, request.Amount, request.Type, refID)
	if err == nil || refID == "" || !errors.Is(err, gorm.ErrDuplicatedKey) {
		return receipt, err
	}
	return s.replay(ctx, opCredit, userID, request.Amount, request.Type, refID)
}

// Balance returns the user's current balance; users without a balance row hold zero coins.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidUser
	}
	var balance Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opBalance, "query_failed", err, zap.String("user_id", userID))
		return 0, servicerr.New(opBalance, "query_failed", err)
	}
	return balance.Balance, nil
}

// History returns the user's most recent transactions, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var transactions []Transaction
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&transactions).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, servicerr.New(opHistory, "query_failed", err)
	}
	return transactions, nil
}

// WelcomeBonus returns a hook that credits amount as a BONUS once per user. Failures are logged only.
func (s *Service) WelcomeBonus(amount int64) func(ctx context.Context, userID string) {
	return func(ctx context.Context, userID string) {
		if amount <= 0 {
			return
		}
		receipt, err := s.Credit(ctx, CreditRequest{
			UserID: userID,
			Amount: amount,
			Type:   TypeBonus,
			RefID:  WelcomeBonusRef(userID),
		})
		if err != nil {
			s.logger.Warn("welcome bonus credit failed", zap.String("user_id", userID), zap.Error(err))
			return
		}
		if !receipt.Replayed {
			s.logger.Info("welcome bonus credited", zap.String("user_id", userID), zap.Int64("balance", receipt.NewBalance))
		}
	}
}

// WelcomeBonusRef is the reference id of a user's welcome bonus.
func WelcomeBonusRef(userID string) string {
	return "welcome:" + strings.TrimSpace(userID)
}

// RefundRef is the reference id of the refund compensating transactionID.
func RefundRef(transactionID string) string {
	return "refund:" + strings.TrimSpace(transactionID)
}

// Refunded reports whether a refund was recorded against transactionID.
func (s *Service) Refunded(ctx context.Context, userID, transactionID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidUser
	}
	_, found, err := s.findByRef(s.db.WithContext(ctx), opRefunded, userID, RefundRef(transactionID))
	return found, err
}

// apply runs the look-up, balance mutation and log append in one short transaction.
// delta is negative for debits.
func (s *Service) apply(ctx context.Context, operation, userID string, delta int64, txType TransactionType, refID string) (Receipt, error) {
	var receipt Receipt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if refID != "" {
			existing, found, err := s.findByRef(tx, operation, userID, refID)
			if err != nil {
				return err
			}
			if found {
				if existing.Amount != delta || existing.Type != txType {
					return ErrIdempotencyConflict
				}
				receipt = Receipt{TransactionID: existing.ID, NewBalance: existing.BalanceAfter, Replayed: true}
				return nil
			}
		}

		now := s.clock().UTC()
		if delta < 0 {
			result := tx.Model(&Balance{}).
				Where("user_id = ? AND balance >= ?", userID, -delta).
				Updates(map[string]interface{}{
					"balance":    gorm.Expr("balance + ?", delta),
					"updated_at": now,
				})
			if result.Error != nil {
				s.logError(operation, "debit_failed", result.Error, zap.String("user_id", userID))
				return servicerr.New(operation, "debit_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrInsufficientFunds
			}
		} else {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoNothing: true,
			}).Create(&Balance{UserID: userID, Balance: 0, UpdatedAt: now}).Error; err != nil {
				s.logError(operation, "balance_create_failed", err, zap.String("user_id", userID))
				return servicerr.New(operation, "balance_create_failed", err)
			}
			if err := tx.Model(&Balance{}).
				Where("user_id = ?", userID).
				Updates(map[string]interface{}{
					"balance":    gorm.Expr("balance + ?", delta),
					"updated_at": now,
				}).Error; err != nil {
				s.logError(operation, "credit_failed", err, zap.String("user_id", userID))
				return servicerr.New(operation, "credit_failed", err)
			}
		}

		var balance Balance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&balance).Error; err != nil {
			s.logError(operation, "balance_select_failed", err, zap.String("user_id", userID))
			return servicerr.New(operation, "balance_select_failed", err)
		}

		transactionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.String("user_id", userID))
			return servicerr.New(operation, "id_generation_failed", err)
		}
		record := Transaction{
			ID:           transactionID,
			UserID:       userID,
			Amount:       delta,
			BalanceAfter: balance.Balance,
			Type:         txType,
			CreatedAt:    now,
		}
		if refID != "" {
			ref := refID
			record.RefID = &ref
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			s.logError(operation, "transaction_insert_failed", err, zap.String("user_id", userID))
			return servicerr.New(operation, "transaction_insert_failed", err)
		}

		receipt = Receipt{TransactionID: record.ID, NewBalance: record.BalanceAfter}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// replay returns the receipt of a transaction that won a concurrent race for the same reference.
func (s *Service) replay(ctx context.Context, operation, userID string, delta int64, txType TransactionType, refID string) (Receipt, error) {
	existing, found, err := s.findByRef(s.db.WithContext(ctx), operation, userID, refID)
	if err != nil {
		return Receipt{}, err
	}
	if !found {
		return Receipt{}, servicerr.New(operation, "replay_missing", gorm.ErrRecordNotFound)
	}
	if existing.Amount != delta || existing.Type != txType {
		return Receipt{}, ErrIdempotencyConflict
	}
	return Receipt{TransactionID: existing.ID, NewBalance: existing.BalanceAfter, Replayed: true}, nil
}

func (s *Service) findByRef(db *gorm.DB, operation, userID, refID string) (Transaction, bool, error) {
	var existing Transaction
	err := db.Where("user_id = ? AND ref_id = ?", userID, refID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		s.logError(operation, "ref_lookup_failed", err, zap.String("user_id", userID))
		return Transaction{}, false, servicerr.New(operation, "ref_lookup_failed", err)
	}
	return existing, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
