package chat

import "errors"

var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrForbidden          = errors.New("chat belongs to another user")
	ErrSharedChatNotFound = errors.New("shared chat not found")
	ErrJobNotFound        = errors.New("job not found")
)

// ValidationError is a malformed request; its message is safe to show.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
