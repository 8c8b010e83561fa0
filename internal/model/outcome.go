package model

import (
	"fmt"
	"time"
)

// OutcomeKind tags the result of one fetch attempt.
type OutcomeKind int

// Fetch outcome kinds.
const (
	Success OutcomeKind = iota
	RateLimited
	TransientError
	PermanentError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case TransientError:
		return "transient_error"
	case PermanentError:
		return "permanent_error"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the tagged result of a single channel fetch.
// Items are ordered oldest to newest as the upstream returned them.
type Outcome struct {
	Kind       OutcomeKind
	Items      []Item
	RetryAfter time.Duration
	Err        error
}

// Succeeded returns a Success outcome carrying items.
func Succeeded(items []Item) Outcome {
	return Outcome{Kind: Success, Items: items}
}

// Limited returns a RateLimited outcome. retryAfter is zero when upstream gave no hint.
func Limited(retryAfter time.Duration, err error) Outcome {
	return Outcome{Kind: RateLimited, RetryAfter: retryAfter, Err: err}
}

// Transient returns a TransientError outcome.
func Transient(err error) Outcome {
	return Outcome{Kind: TransientError, Err: err}
}

// Permanent returns a PermanentError outcome.
func Permanent(err error) Outcome {
	return Outcome{Kind: PermanentError, Err: err}
}
