package twitter

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyMember = errors.New("account is already a list member")
	ErrNotMember     = errors.New("account is not a list member")
	ErrInvalidHandle = errors.New("no account found for handle")
)

// ResetTimeLayout is the human-readable reset timestamp format embedded in
// rate-limit messages. The "Resets at ..." pattern is parsed by existing
// clients, so it must not change.
const ResetTimeLayout = "2006-01-02 15:04:05"

// RateLimitedError reports an exhausted remote API budget. ResetAt is the
// structured value; the message embeds it only for display.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded. Resets at %s. Please wait and try again", e.ResetAt.UTC().Format(ResetTimeLayout))
}

// TransientError wraps network-level failures (dial, timeout, 5xx) that are
// safe to retry. No local state was mutated.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError covers remote responses that fit no other classification.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected remote API response: status %d: %s", e.StatusCode, e.Body)
}
