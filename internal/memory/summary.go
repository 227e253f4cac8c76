// Package memory stores the summarized history a character remembers about a user.
package memory

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	maxTopics   = 8
	maxFacts    = 12
	maxEpisodes = 5
)

// Episode is a short summary of one past conversation.
type Episode struct {
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Summary is the memory a character keeps for one user.
type Summary struct {
	UserID      string                       `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	CharacterID string                       `gorm:"column:character_id;primaryKey;size:190;not null" json:"character_id"`
	Topics      datatypes.JSONSlice[string]  `gorm:"column:topics" json:"topics"`
	KeyFacts    datatypes.JSONSlice[string]  `gorm:"column:key_facts" json:"key_facts"`
	Episodes    datatypes.JSONSlice[Episode] `gorm:"column:episodes" json:"episodes"`
	UpdatedAt   time.Time                    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Summary) TableName() string {
	return "memory_summaries"
}

// Empty reports whether the summary carries nothing worth telling the character.
func (s *Summary) Empty() bool {
	if s == nil {
		return true
	}
	return len(nonBlank(s.Topics)) == 0 && len(nonBlank(s.KeyFacts)) == 0 && len(s.recentEpisodes()) == 0
}

// Digest renders the summary as a short natural-language note for the system instruction.
// It returns "" for an empty summary.
func (s *Summary) Digest() string {
	if s.Empty() {
		return ""
	}
	var builder strings.Builder
	if topics := limit(nonBlank(s.Topics), maxTopics); len(topics) > 0 {
		fmt.Fprintf(&builder, "You have talked about: %s.\n", strings.Join(topics, ", "))
	}
	if facts := limit(nonBlank(s.KeyFacts), maxFacts); len(facts) > 0 {
		builder.WriteString("Things you know about them:\n")
		for _, fact := range facts {
			fmt.Fprintf(&builder, "- %s\n", fact)
		}
	}
	if episodes := s.recentEpisodes(); len(episodes) > 0 {
		builder.WriteString("Earlier conversations:\n")
		for _, episode := range episodes {
			if episode.OccurredAt.IsZero() {
				fmt.Fprintf(&builder, "- %s\n", episode.Summary)
				continue
			}
			fmt.Fprintf(&builder, "- %s: %s\n", episode.OccurredAt.UTC().Format("2006-01-02"), episode.Summary)
		}
	}
	return strings.TrimRight(builder.String(), "\n")
}

// recentEpisodes returns the latest non-blank episodes in chronological order.
func (s *Summary) recentEpisodes() []Episode {
	episodes := make([]Episode, 0, len(s.Episodes))
	for _, episode := range s.Episodes {
		episode.Summary = strings.TrimSpace(episode.Summary)
		if episode.Summary != "" {
			episodes = append(episodes, episode)
		}
	}
	if len(episodes) > maxEpisodes {
		episodes = episodes[len(episodes)-maxEpisodes:]
	}
	return episodes
}

func nonBlank(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func limit(values []string, max int) []string {
	if len(values) > max {
		return values[:max]
	}
	return values
}
