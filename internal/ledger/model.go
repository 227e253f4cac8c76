// Package ledger maintains per-user coin balances with an append-only transaction log.
package ledger

import "time"

// TransactionType classifies a balance change.
type TransactionType string

const (
	TypePurchase  TransactionType = "PURCHASE"
	TypeChatExtra TransactionType = "CHAT_EXTRA"
	TypeGiftSent  TransactionType = "GIFT_SENT"
	TypeBonus     TransactionType = "BONUS"
	TypeRefund    TransactionType = "REFUND"
)

func (t TransactionType) isDebit() bool {
	return t == TypeChatExtra || t == TypeGiftSent
}

func (t TransactionType) isCredit() bool {
	return t == TypePurchase || t == TypeBonus || t == TypeRefund
}

// Balance is the current coin balance of one user. Balance never drops below zero.
type Balance struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Balance) TableName() string {
	return "coin_balances"
}

// Transaction is an immutable record of one balance change.
type Transaction struct {
	ID           string          `gorm:"column:transaction_id;primaryKey;size:36;not null" json:"transaction_id"`
	UserID       string          `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_coin_transactions_user_ref,priority:1;index:idx_coin_transactions_user_created,priority:1" json:"user_id"`
	Amount       int64           `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64           `gorm:"column:balance_after;not null" json:"balance_after"`
	Type         TransactionType `gorm:"column:type;size:32;not null" json:"type"`
	RefID        *string         `gorm:"column:ref_id;size:190;uniqueIndex:idx_coin_transactions_user_ref,priority:2" json:"ref_id,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at;not null;index:idx_coin_transactions_user_created,priority:2" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "coin_transactions"
}
