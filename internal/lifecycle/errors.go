package lifecycle

import (
	"errors"
	"fmt"

	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/tokencheck"
)

var (
	// ErrNotFound covers both a missing bot and a bot owned by someone else.
	ErrNotFound       = errors.New("bot not found")
	ErrLimitReached   = errors.New("bot limit reached")
	ErrConflict       = errors.New("credential already used by another bot")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrInvalidInput   = errors.New("invalid input")
)

// CredentialError is returned when the platform does not accept a credential.
type CredentialError struct {
	Reason tokencheck.Reason
	Detail string
}

func (e *CredentialError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid credential: %s", e.Reason)
	}
	return fmt.Sprintf("invalid credential: %s: %s", e.Reason, e.Detail)
}

// IsValidation reports whether err is caused by the caller's input, i.e. no
// state was changed and the request can be fixed by the caller.
func IsValidation(err error) bool {
	var ce *CredentialError
	var ve *codegen.ValidationError
	return errors.As(err, &ce) || errors.As(err, &ve) || errors.Is(err, ErrInvalidInput)
}
