// Package relationship persists per (user, character) progression and free-quota state.
package relationship

import (
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/progression"
)

// Record is the durable relationship between one user and one character.
type Record struct {
	UserID                  string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	CharacterID             string     `gorm:"column:character_id;primaryKey;size:190;not null"`
	Level                   int        `gorm:"column:level;not null;default:1"`
	ExperiencePoints        int64      `gorm:"column:experience_points;not null;default:0"`
	TotalMessages           int64      `gorm:"column:total_messages;not null;default:0"`
	IsFollowing             bool       `gorm:"column:is_following;not null;default:false"`
	IsFanclub               bool       `gorm:"column:is_fanclub;not null;default:false"`
	FirstMessageAt          *time.Time `gorm:"column:first_message_at"`
	LastMessageAt           *time.Time `gorm:"column:last_message_at"`
	MonthlyFreeMessagesUsed int        `gorm:"column:monthly_free_messages_used;not null;default:0"`
	QuotaPeriod             string     `gorm:"column:quota_period;size:7;not null;default:''"`
	CreatedAt               time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "relationships"
}

// Standing returns the progression view of the record.
func (r Record) Standing() progression.Standing {
	return progression.Standing{Level: r.Level, XP: r.ExperiencePoints}
}

// FreeMessagesRemaining reports how many free messages are left this period under limit.
func (r Record) FreeMessagesRemaining(limit int) int {
	remaining := limit - r.MonthlyFreeMessagesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PeriodOf returns the quota period ("YYYY-MM") that instant falls in for loc.
func PeriodOf(instant time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return instant.In(loc).Format("2006-01")
}

// NormalizePeriod moves the record into the quota period containing now, resetting the monthly
// free counter when a new calendar month has begun. It reports whether the record changed.
// A clock observed behind the stored period never resets the counter.
func NormalizePeriod(record Record, now time.Time, loc *time.Location) (Record, bool) {
	period := PeriodOf(now, loc)
	if record.QuotaPeriod == period {
		return record, false
	}
	if record.QuotaPeriod != "" && period < record.QuotaPeriod {
		return record, false
	}
	record.QuotaPeriod = period
	record.MonthlyFreeMessagesUsed = 0
	return record, true
}
