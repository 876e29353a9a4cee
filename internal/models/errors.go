package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mailbox, message or mapping does not exist
	ErrNotFound = errors.New("not found")
	// ErrValidation marks bad input such as an unparsable webhook payload
	ErrValidation = errors.New("validation failed")
)

// ProviderError wraps a failure talking to the upstream mail provider
type ProviderError struct {
	Provider ProviderName
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
