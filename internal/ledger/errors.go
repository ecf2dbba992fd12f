package ledger

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the ledger store could not be reached or the
// deduction could not be committed. Unlike the rate limiter this path fails
// closed: callers get a retryable error instead of free usage.
var ErrUnavailable = errors.New("ledger: store unavailable")

// ErrInsufficient is the sentinel matched by errors.Is for failed deductions.
var ErrInsufficient = errors.New("ledger: insufficient credits")

// InsufficientError reports a rejected deduction with enough detail for the
// client to self-correct.
type InsufficientError struct {
	AccountID uint64
	Required  int64
	Available int64
}

// Error implements the error interface.
func (e *InsufficientError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits for account %d: required %d, available %d", e.AccountID, e.Required, e.Available)
}

// Is lets errors.Is(err, ErrInsufficient) match.
func (e *InsufficientError) Is(target error) bool {
	return target == ErrInsufficient
}
