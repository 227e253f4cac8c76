package persona

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCharacter indicates a character definition failed validation.
	ErrInvalidCharacter = errors.New("persona: invalid character")
	// ErrCharacterNotFound indicates no active character exists for the identifier.
	ErrCharacterNotFound = errors.New("persona: character not found")
)

// SecretBlock is persona content revealed once the relationship reaches UnlockLevel.
type SecretBlock struct {
	UnlockLevel int    `json:"unlock_level"`
	Content     string `json:"content"`
}

// Character is the static persona definition for one chat character.
type Character struct {
	ID               string                           `gorm:"column:character_id;primaryKey;size:190;not null"`
	Name             string                           `gorm:"column:name;size:190;not null"`
	Title            string                           `gorm:"column:title;size:190;not null;default:''"`
	SystemPrompt     string                           `gorm:"column:system_prompt;type:text;not null"`
	OpeningLine      string                           `gorm:"column:opening_line;type:text;not null;default:''"`
	Catchphrases     datatypes.JSONSlice[string]      `gorm:"column:catchphrases"`
	Secrets          datatypes.JSONSlice[SecretBlock] `gorm:"column:secrets"`
	FreeMessageLimit int                              `gorm:"column:free_message_limit;not null;default:0"`
	MessageCost      int64                            `gorm:"column:message_cost;not null"`
	FanclubPrice     decimal.Decimal                  `gorm:"column:fanclub_price;type:decimal(12,2);not null"`
	Currency         string                           `gorm:"column:currency;size:3;not null;default:'JPY'"`
	Active           bool                             `gorm:"column:active;not null"`
	CreatedAt        time.Time                        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time                        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Character) TableName() string {
	return "characters"
}

// Validate checks the invariants the access policy relies on.
func (c Character) Validate() error {
	id := strings.TrimSpace(c.ID)
	if id == "" || len(id) > maxIdentifierLength {
		return fmt.Errorf("%w: id %q", ErrInvalidCharacter, c.ID)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: %s: name required", ErrInvalidCharacter, id)
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("%w: %s: system prompt required", ErrInvalidCharacter, id)
	}
	if c.FreeMessageLimit < 0 {
		return fmt.Errorf("%w: %s: negative free message limit", ErrInvalidCharacter, id)
	}
	if c.MessageCost <= 0 {
		return fmt.Errorf("%w: %s: message cost must be positive", ErrInvalidCharacter, id)
	}
	if c.FanclubPrice.IsNegative() {
		return fmt.Errorf("%w: %s: negative fan club price", ErrInvalidCharacter, id)
	}
	for _, secret := range c.Secrets {
		if secret.UnlockLevel < 1 {
			return fmt.Errorf("%w: %s: secret unlock level %d", ErrInvalidCharacter, id, secret.UnlockLevel)
		}
	}
	return nil
}

// UnlockedSecrets returns the secret blocks available at level, ordered by unlock level ascending.
// Blocks sharing an unlock level keep their definition order.
func (c Character) UnlockedSecrets(level int) []SecretBlock {
	unlocked := make([]SecretBlock, 0, len(c.Secrets))
	for _, secret := range c.Secrets {
		if secret.UnlockLevel <= level {
			unlocked = append(unlocked, secret)
		}
	}
	sort.SliceStable(unlocked, func(i, j int) bool {
		return unlocked[i].UnlockLevel < unlocked[j].UnlockLevel
	})
	return unlocked
}
