// Package generation turns a composed request into a character reply through a chat model backend.
package generation

import "github.com/MarcoPoloResearchLab/companion/backend/internal/emotion"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleCharacter Role = "character"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is everything the backend needs to produce the next reply.
type Request struct {
	SystemInstruction string
	History           []Message
	Prompt            string
}

// Reply is the generated text and its emotion tag.
type Reply struct {
	Text    string
	Emotion emotion.Label
}
