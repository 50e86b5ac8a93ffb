package repository

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrOpenTransactionExists indicates the connector already has an open transaction.
	ErrOpenTransactionExists = errors.New("repository: open transaction exists")
	// ErrStateChanged indicates a conditional update matched no row in the expected state.
	ErrStateChanged = errors.New("repository: state changed")
)
