package model

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
)

// ── Port Interfaces ──
// These decouple the oracle core from its collaborators (allow-list, price
// source, persistence, event delivery) so each can be swapped or faked.

// AccessGate answers whether a caller may submit index updates.
type AccessGate interface {
	IsPermitted(ctx context.Context, caller common.Address) (bool, error)
}

// RateSource supplies the raw readings the index and prices derive from.
// Every reading is an 18-decimal fixed-point value except where noted.
type RateSource interface {
	// TotalAssets returns the underlying units held by the wrapped vault.
	TotalAssets(ctx context.Context, wrapped common.Address) (fixed.Index, error)

	// TotalSupply returns the outstanding wrapped units.
	TotalSupply(ctx context.Context, wrapped common.Address) (fixed.Index, error)

	// UnitPrice returns the price of one underlying unit.
	UnitPrice(ctx context.Context, underlying, manager common.Address) (fixed.Index, error)
}

// EventSink receives emitted records. Emit must not block.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Emit calls f(ev).
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// StateStore persists the oracle state. SaveState must be atomic: either
// the whole state is durably replaced or the previous one is kept.
type StateStore interface {
	SaveState(ctx context.Context, st *OracleState) error
	LoadState(ctx context.Context) (*OracleState, error)
}

// UpdateOutcome is the result of one update call.
type UpdateOutcome struct {
	Accepted  bool
	Index     fixed.Index // the candidate computed for this call
	Previous  fixed.Index // previous index before the call
	Average   fixed.Index // moving average after the call (zero if still empty)
	Timestamp time.Time
}

// Addresses are the owner-configurable source handles.
type Addresses struct {
	Underlying common.Address
	Manager    common.Address
	Wrapped    common.Address
}
