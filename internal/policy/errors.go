package policy

import (
	"errors"
	"fmt"
)

// ErrRejected matches every policy rejection via errors.Is.
var ErrRejected = errors.New("rejected by command policy")

// RejectError carries the human readable reason a command was refused.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func (e *RejectError) Is(target error) bool { return target == ErrRejected }

func reject(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}
