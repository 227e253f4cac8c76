// Package exchange records completed chat turns.
package exchange

import (
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/access"
)

// Exchange is one user message and the character's reply. It is immutable once recorded.
type Exchange struct {
	ID             string      `gorm:"column:exchange_id;primaryKey;size:36;not null"`
	UserID         string      `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_exchanges_user_key,priority:1;index:idx_exchanges_pair_created,priority:1"`
	CharacterID    string      `gorm:"column:character_id;size:190;not null;index:idx_exchanges_pair_created,priority:2"`
	IdempotencyKey string      `gorm:"column:idempotency_key;size:190;not null;uniqueIndex:idx_exchanges_user_key,priority:2"`
	UserText       string      `gorm:"column:user_text;type:text;not null"`
	UserEmotion    string      `gorm:"column:user_emotion;size:16;not null"`
	ReplyText      string      `gorm:"column:reply_text;type:text;not null"`
	ReplyEmotion   string      `gorm:"column:reply_emotion;size:16;not null"`
	Consumed       access.Kind `gorm:"column:consumed;size:16;not null"`
	TransactionID  *string     `gorm:"column:transaction_id;size:36"`
	XPAwarded      int64       `gorm:"column:xp_awarded;not null"`
	XPAfter        int64       `gorm:"column:xp_after;not null"`
	LevelBefore    int         `gorm:"column:level_before;not null"`
	LevelAfter     int         `gorm:"column:level_after;not null"`
	CreatedAt      time.Time   `gorm:"column:created_at;not null;index:idx_exchanges_pair_created,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Exchange) TableName() string {
	return "exchanges"
}
