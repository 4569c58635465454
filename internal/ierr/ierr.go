// Package ierr provides a distinct error type for internal-consistency
// failures: conditions that should be unreachable given a well-formed
// input, as opposed to ordinary user-facing mistakes. A caller can use
// errors.As to tell the two apart; the cmd/* mains exit 1 on either.
package ierr

import "fmt"

// Error wraps an internal-consistency failure.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// New constructs an internal Error with a formatted message.
func New(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}
