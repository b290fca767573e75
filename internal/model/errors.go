package model

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies failures for routing decisions: transient
// failures may be re-enqueued by a publisher, auth failures require
// re-pairing, bad requests never touch the device.
type ErrorCategory string

const (
	CategoryTransient   ErrorCategory = "transient"
	CategoryProtocol    ErrorCategory = "protocol"
	CategoryAuth        ErrorCategory = "auth_required"
	CategoryBadRequest  ErrorCategory = "bad_request"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryExhausted   ErrorCategory = "exhausted"
	CategoryPersistence ErrorCategory = "persistence"
)

// CategorizedError carries a semantic category alongside the message.
// Adapters surface these; the command pipeline maps them to the
// human-readable error column.
type CategorizedError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// E builds a categorized error.
func E(cat ErrorCategory, format string, args ...any) error {
	return &CategorizedError{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a categorized error around an underlying cause.
func Wrap(cat ErrorCategory, err error, format string, args ...any) error {
	return &CategorizedError{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// CategoryOf extracts the category from an error chain. Uncategorized
// errors default to transient so callers err on the side of retryability.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransient
}
