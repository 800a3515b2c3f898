package models

import (
	"errors"
	"fmt"
)

// Gateway error kinds. Gateway implementations wrap one of these so callers can
// classify with errors.Is.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("order rejected")
	ErrNetwork           = errors.New("network error")
	ErrNotFound          = errors.New("order not found")
	ErrMalformedResponse = errors.New("malformed exchange response")
)

// TransientGatewayError marks a gateway failure that is worth retrying.
type TransientGatewayError struct {
	Op  string
	Err error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("transient gateway error during %s: %v", e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error { return e.Err }

// ConflictError is returned by the ledger when an optimistic status check fails
// or a write would break a uniqueness rule.
type ConflictError struct {
	SlotID   string
	Expected OrderStatus
	Actual   OrderStatus
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ledger conflict on slot %s: %s", e.SlotID, e.Reason)
	}
	return fmt.Sprintf("ledger conflict on slot %s: expected %s, found %s", e.SlotID, e.Expected, e.Actual)
}

// ConsistencyFault means clean start could not reach zero open orders.
type ConsistencyFault struct {
	Remaining int
	Attempts  int
}

func (e *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault: %d open orders remain after %d clean-start attempts", e.Remaining, e.Attempts)
}

// PaginationExhaustionError is raised when the exchange keeps handing out page
// tokens without converging.
type PaginationExhaustionError struct {
	Pages int
	Token string
}

func (e *PaginationExhaustionError) Error() string {
	return fmt.Sprintf("pagination exhausted after %d pages (token %q)", e.Pages, e.Token)
}

// Transient reports that the listing may succeed on a later attempt.
func (e *PaginationExhaustionError) Transient() bool { return true }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tge *TransientGatewayError
	if errors.As(err, &tge) {
		return true
	}
	var pe *PaginationExhaustionError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// IsConflict reports whether err is a ledger ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
