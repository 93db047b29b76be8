package service

import (
	"errors"
	"fmt"

	"github.com/richardliu001/mpesa-service/internal/repo"
)

var (
	// ErrValidation means a required initiation field is missing or unusable.
	ErrValidation = errors.New("missing required fields")
	// ErrNotFound covers unknown transaction ids and unknown checkout ids.
	ErrNotFound = errors.New("transaction not found")
	// ErrMalformedCallback is the parent of every callback shape error.
	ErrMalformedCallback = errors.New("malformed callback")
	ErrInvalidJSON       = fmt.Errorf("%w: invalid json", ErrMalformedCallback)
	ErrInvalidCallback   = fmt.Errorf("%w: missing stkCallback envelope", ErrMalformedCallback)
	// ErrAlreadyFinalized is returned when a transaction has already left pending.
	ErrAlreadyFinalized = repo.ErrAlreadyFinalized
)

// ProviderError is a failed push. Err is set when the call never produced a
// provider response (network, timeout, auth); otherwise the provider
// answered and declined.
type ProviderError struct {
	ResponseCode string
	Message      string
	Err          error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transport reports whether the failure happened before the provider answered.
func (e *ProviderError) Transport() bool { return e.Err != nil }
