package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/access"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/progression"
)

// Status is the relationship overview for one character, including what the next message would cost.
type Status struct {
	CharacterID   string                  `json:"character_id"`
	Level         int                     `json:"level"`
	XP            int64                   `json:"xp"`
	NextLevelXP   *int64                  `json:"next_level_xp,omitempty"`
	TotalMessages int64                   `json:"total_messages"`
	IsFollowing   bool                    `json:"is_following"`
	IsFanclub     bool                    `json:"is_fanclub"`
	Access        access.Decision         `json:"access"`
	Milestones    []progression.Milestone `json:"milestones"`
}

// Status reports the relationship and evaluates the access policy without side effects on quota or coins.
func (e *Engine) Status(ctx context.Context, userID, characterID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, ErrUnauthorized
	}
	character, err := e.catalog.Find(ctx, characterID)
	if errors.Is(err, persona.ErrCharacterNotFound) {
		return Status{}, ErrCharacterNotFound
	}
	if err != nil {
		return Status{}, storageError(err)
	}
	record, err := e.relationships.Load(ctx, userID, character.ID)
	if err != nil {
		return Status{}, storageError(err)
	}
	balance, err := e.wallet.Balance(ctx, userID)
	if err != nil {
		return Status{}, storageError(err)
	}

	status := Status{
		CharacterID:   character.ID,
		Level:         record.Level,
		XP:            record.ExperiencePoints,
		TotalMessages: record.TotalMessages,
		IsFollowing:   record.IsFollowing,
		IsFanclub:     record.IsFanclub,
		Access:        evaluate(record, balance, character),
		Milestones:    []progression.Milestone{},
	}
	if threshold, ok := e.ladder.Threshold(record.Level + 1); ok {
		status.NextLevelXP = &threshold
	}
	for level := 2; level <= record.Level; level++ {
		if milestone, ok := e.ladder.Milestone(level); ok {
			status.Milestones = append(status.Milestones, milestone)
		}
	}
	return status, nil
}
