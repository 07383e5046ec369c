package oracle

import "errors"

var (
	// ErrNotAuthorized is returned when a caller outside the allow-list
	// attempts an update.
	ErrNotAuthorized = errors.New("NOT_AUTHORIZED")

	// ErrNotOwner is returned when a non-owner attempts reconfiguration.
	ErrNotOwner = errors.New("Ownable: caller is not the owner")

	// ErrArithmetic wraps division-by-zero and overflow in index or price
	// computation. The call that hit it made no state change.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrUninitialized is returned by reads that need at least one accepted index.
	ErrUninitialized = errors.New("oracle: no accepted index yet")

	ErrInvalidWindowSize = errors.New("oracle: window size must be positive")
	ErrZeroOwner         = errors.New("Ownable: new owner is the zero address")
)
