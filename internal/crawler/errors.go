package crawler

import (
	"errors"
	"fmt"
)

// Configuration errors surface to the caller before any work begins.
var (
	ErrEmptyAllowList = errors.New("allow-list is empty")
	ErrInvalidJob     = errors.New("invalid crawl job")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrQueueClosed    = errors.New("queue closed")
)

// ValidationReason classifies why a URL was refused.
type ValidationReason string

// Validation reasons.
const (
	ReasonParse         ValidationReason = "parse"
	ReasonScheme        ValidationReason = "scheme"
	ReasonEmptyHost     ValidationReason = "empty_host"
	ReasonNotAllowed    ValidationReason = "not_allowed"
	ReasonDNS           ValidationReason = "dns"
	ReasonUnsafeAddress ValidationReason = "unsafe_address"
	ReasonScope         ValidationReason = "scope"
)

// ValidationError reports a URL that must never be scheduled for fetch.
type ValidationError struct {
	URL    string
	Reason ValidationReason
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validate %q: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("validate %q: %s", e.URL, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError builds a ValidationError with an optional cause.
func NewValidationError(rawURL string, reason ValidationReason, cause error) *ValidationError {
	return &ValidationError{URL: rawURL, Reason: reason, Err: cause}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FetchError reports a failed page fetch. StatusCode is zero when no response
// was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %q: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %q: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
