// CLAUDE:SUMMARY Error taxonomy for acquisition: sentinels, StatusError, RateLimitError, DispatchError and wire kinds.
package preview

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNetwork is a transient connection or DNS failure.
	ErrNetwork = errors.New("network error")
	// ErrNonSuccessStatus is a remote 4xx/5xx answer.
	ErrNonSuccessStatus = errors.New("non-success status")
	// ErrNoCandidates is a legitimate negative result that allows fallback.
	ErrNoCandidates = errors.New("no image candidates found")
	// ErrDeclined means a strategy does not apply to the URL (no API
	// integration or credential). It is not a failure in unforced dispatch.
	ErrDeclined = errors.New("strategy declined")
	ErrAuth     = errors.New("authentication rejected")
	// ErrRateLimited is never retried internally.
	ErrRateLimited   = errors.New("rate limited")
	ErrRenderTimeout = errors.New("render timeout")
	ErrRenderCrash   = errors.New("render crash")
	// ErrMalformedInput covers unparseable URLs, empty links and bad payloads.
	ErrMalformedInput = errors.New("malformed input")
	// ErrTimeout is the whole-dispatch deadline.
	ErrTimeout = errors.New("dispatch timeout")
	// ErrPersistence wraps every store failure; the store is left unchanged.
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("not found")
)

// StatusError is a non-2xx answer with the (truncated) body kept for
// diagnostics.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", ErrNonSuccessStatus, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", ErrNonSuccessStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrNonSuccessStatus }

// RateLimitError carries the server's Retry-After hint, if any. Retrying is a
// caller decision.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Attempt records one strategy invocation during dispatch.
type Attempt struct {
	Method     Method `json:"method"`
	Outcome    string `json:"outcome"` // "ok", "declined", "no_candidates", "error"
	Candidates int    `json:"candidates,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// DispatchError is the final failure of a dispatch, with every attempt made.
type DispatchError struct {
	Attempts []Attempt
	Err      error
}

func (e *DispatchError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Err.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		s := string(a.Method) + "=" + a.Outcome
		if a.Error != "" {
			s += " (" + a.Error + ")"
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("%s; tried: %s", e.Err, strings.Join(parts, ", "))
}

func (e *DispatchError) Unwrap() error { return e.Err }

// KindOf maps an error to the wire "kind" reported to callers.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNoCandidates):
		return "no_candidates"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrRenderTimeout):
		return "render_timeout"
	case errors.Is(err, ErrRenderCrash):
		return "render_crash"
	case errors.Is(err, ErrNonSuccessStatus):
		return "non_success_status"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "internal"
}
