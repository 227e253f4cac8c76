package users

import (
	"strings"
	"time"
)

// Identity binds one provider login to the companion user that owns its wallet and relationships.
// The provider+subject pair is the primary key, so a login can never resolve to two owners and
// coin balances never split across duplicate accounts. Several logins may share one UserID.
type Identity struct {
	Provider string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject  string `gorm:"column:subject;primaryKey;size:190;not null"`
	// UserID is the wallet owner key used by ledger and relationship rows. It never changes once written.
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

// profileUpdates lists the columns a returning login refreshes. Blank claims keep the stored profile,
// and the owning UserID is never part of the update.
func (identity Identity) profileUpdates(fresh Identity) map[string]interface{} {
	updates := map[string]interface{}{"last_seen_at": fresh.LastSeenAt}
	if fresh.Email != "" && fresh.Email != identity.Email {
		updates["user_email"] = fresh.Email
	}
	if fresh.DisplayName != "" && fresh.DisplayName != identity.DisplayName {
		updates["user_display_name"] = fresh.DisplayName
	}
	if fresh.AvatarURL != "" && fresh.AvatarURL != identity.AvatarURL {
		updates["user_avatar_url"] = fresh.AvatarURL
	}
	return updates
}

func claimValue(value string) string {
	return strings.TrimSpace(value)
}
