package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAuthRequired      = errors.New("authentication required")
	ErrValidation        = errors.New("validation failed")
	ErrRiskRejected      = errors.New("rejected by risk engine")
	ErrLockBusy          = errors.New("resource busy")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrLockCancelled     = errors.New("lock wait cancelled")
	ErrLockHeld          = errors.New("lock already held")
	ErrExchange          = errors.New("exchange call failed")
	ErrPersistence       = errors.New("persistence failed")
	ErrConfiguration     = errors.New("configuration fault")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrEmergencyMode     = errors.New("emergency mode active")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrFeedTerminated    = errors.New("market feed terminated")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrNotRunning        = errors.New("orchestrator not running")
)

// ErrorKind classifies failures for callers that need to decide between
// retrying, surfacing or swallowing.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindRiskRejection  ErrorKind = "risk_rejection"
	KindLockContention ErrorKind = "lock_contention"
	KindExchangeFault  ErrorKind = "exchange_fault"
	KindPersistence    ErrorKind = "persistence_fault"
	KindConfiguration  ErrorKind = "configuration_fault"
)

// KindError attaches an ErrorKind and operation name to an underlying error.
type KindError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// NewKindError wraps err with kind and op.
func NewKindError(kind ErrorKind, op string, err error) error {
	return &KindError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err, inferring it from well-known sentinels
// when err is not a *KindError.
func KindOf(err error) (ErrorKind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation, true
	case errors.Is(err, ErrRiskRejected), errors.Is(err, ErrEmergencyMode):
		return KindRiskRejection, true
	case errors.Is(err, ErrLockBusy), errors.Is(err, ErrLockTimeout), errors.Is(err, ErrLockCancelled):
		return KindLockContention, true
	case errors.Is(err, ErrExchange), errors.Is(err, ErrRateLimited), errors.Is(err, ErrCircuitOpen):
		return KindExchangeFault, true
	case errors.Is(err, ErrPersistence):
		return KindPersistence, true
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrAuthRequired):
		return KindConfiguration, true
	}
	return "", false
}
