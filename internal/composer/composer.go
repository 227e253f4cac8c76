// Package composer assembles a character's persona, unlocked secrets and memory into a generation request.
package composer

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/generation"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/memory"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/persona"
)

const sectionSeparator = "\n\n"

// Standing is the part of the relationship the composer reads.
type Standing struct {
	Level         int
	TotalMessages int64
	IsFanclub     bool
	IsFollowing   bool
}

// Compose builds the system instruction for the next reply. Secret blocks unlocked at or below the
// relationship level are appended verbatim in ascending unlock order after the persona text, followed
// by the memory digest when one exists. history and prompt are passed through unchanged.
func Compose(character persona.Character, standing Standing, summary *memory.Summary, history []generation.Message, prompt string) generation.Request {
	sections := []string{personaSection(character), relationshipSection(character, standing)}

	secrets := character.UnlockedSecrets(standing.Level)
	if len(secrets) > 0 {
		var builder strings.Builder
		builder.WriteString("Things you have come to share with this person:")
		for _, secret := range secrets {
			builder.WriteString("\n")
			builder.WriteString(secret.Content)
		}
		sections = append(sections, builder.String())
	}

	if digest := summary.Digest(); digest != "" {
		sections = append(sections, "What you remember about them:\n"+digest)
	}

	return generation.Request{
		SystemInstruction: strings.Join(sections, sectionSeparator),
		History:           history,
		Prompt:            prompt,
	}
}

func personaSection(character persona.Character) string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(character.SystemPrompt))
	if title := strings.TrimSpace(character.Title); title != "" {
		fmt.Fprintf(&builder, "\nYour name is %s (%s).", character.Name, title)
	} else {
		fmt.Fprintf(&builder, "\nYour name is %s.", character.Name)
	}
	phrases := make([]string, 0, len(character.Catchphrases))
	for _, phrase := range character.Catchphrases {
		if trimmed := strings.TrimSpace(phrase); trimmed != "" {
			phrases = append(phrases, fmt.Sprintf("%q", trimmed))
		}
	}
	if len(phrases) > 0 {
		fmt.Fprintf(&builder, "\nPhrases you like to use now and then: %s.", strings.Join(phrases, ", "))
	}
	return builder.String()
}

func relationshipSection(character persona.Character, standing Standing) string {
	level := standing.Level
	if level < 1 {
		level = 1
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Your relationship with this person is at level %d", level)
	switch {
	case standing.TotalMessages == 0:
		builder.WriteString(" and this is the first time they are talking to you.")
		if opening := strings.TrimSpace(character.OpeningLine); opening != "" {
			fmt.Fprintf(&builder, " You usually greet newcomers like this: %q", opening)
		}
	default:
		fmt.Fprintf(&builder, " after %d messages.", standing.TotalMessages)
	}
	if standing.IsFanclub {
		builder.WriteString(" They are a member of your fan club.")
	} else if standing.IsFollowing {
		builder.WriteString(" They follow you.")
	}
	return builder.String()
}
