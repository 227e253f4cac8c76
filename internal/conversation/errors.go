package conversation

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/access"
)

var (
	// ErrUnauthorized indicates the message carries no resolved identity.
	ErrUnauthorized = errors.New("conversation: identity required")
	// ErrAccessDenied matches every *AccessDeniedError.
	ErrAccessDenied = errors.New("conversation: access denied")
	// ErrGenerationUnavailable indicates the reply could not be produced; nothing was charged or recorded.
	ErrGenerationUnavailable = errors.New("conversation: generation unavailable")
	// ErrStorage wraps storage failures; the cause carries a servicerr code.
	ErrStorage = errors.New("conversation: storage failure")
	// ErrRateLimited indicates the sender exceeded the message rate.
	ErrRateLimited = errors.New("conversation: rate limited")
	// ErrCharacterNotFound indicates the target character does not exist or is inactive.
	ErrCharacterNotFound = errors.New("conversation: character not found")
	// ErrInvalidMessage indicates an empty or oversized message, or a reused idempotency key.
	ErrInvalidMessage = errors.New("conversation: invalid message")
)

// AccessDeniedError is the paywall signal: the policy blocked the message or a coin debit lost a race.
type AccessDeniedError struct {
	Decision access.Decision
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("conversation: access denied (free limit %d, message cost %d, balance %d)",
		e.Decision.FreeMessageLimit, e.Decision.MessageCost, e.Decision.CoinBalance)
}

// Is makes errors.Is(err, ErrAccessDenied) match.
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
