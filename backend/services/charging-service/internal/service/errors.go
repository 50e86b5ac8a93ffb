package service

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that need to react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
	KindUpstream
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindUpstream:
		return "upstream_failure"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error tags a failure with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinels callers may match with errors.Is.
var (
	ErrChargerNotFound          = errors.New("charger not found")
	ErrConnectorNotFound        = errors.New("connector not found")
	ErrSessionNotFound          = errors.New("session not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrNoActiveTransaction      = errors.New("no active transaction")
	ErrChargerOffline           = errors.New("charger offline")
	ErrConnectorBusy            = errors.New("connector busy")
	ErrTransactionAlreadyActive = errors.New("transaction already active")
	ErrTransactionMismatch      = errors.New("transaction does not belong to charger")
	ErrSessionState             = errors.New("session not in expected state")
)

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, KindInternal when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
