// Package oracle implements the exchange-rate oracle for a yield-bearing
// wrapped asset: a windowed moving average of accepted indices, guarded by a
// swing check against flash manipulation, with allow-listed updaters and a
// single owner for reconfiguration.
//
// Every call is all-or-nothing. Mutations are staged on copies, persisted
// through the optional StateStore, and only then swapped in; any error
// leaves the oracle exactly as it was.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/history"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/swing"
)

// Config wires an Oracle to its collaborators.
type Config struct {
	Owner      common.Address
	Addresses  model.Addresses
	WindowSize int
	MaxSwing   fixed.Index // zero selects swing.DefaultMaxSwing

	Gate   model.AccessGate
	Source model.RateSource
	Sink   model.EventSink  // optional
	Store  model.StateStore // optional
	Now    func() time.Time // optional, defaults to time.Now

	// OnOwnerChange runs after a committed ownership transfer, under the
	// oracle lock. It must not call back into the Oracle.
	OnOwnerChange func(newOwner common.Address)

	// Restore, when set, supplies owner, addresses, window and history from
	// persisted state. A nonzero MaxSwing above still overrides the stored band.
	Restore *model.OracleState
}

// Oracle is safe for concurrent use; one mutex serialises all mutation.
type Oracle struct {
	mu sync.RWMutex

	owner    common.Address
	addrs    model.Addresses
	guard    swing.Guard
	history  *history.Buffer
	previous fixed.Index

	gate   model.AccessGate
	source model.RateSource
	sink   model.EventSink
	store  model.StateStore
	now    func() time.Time

	onOwnerChange func(common.Address)
}

// New builds an Oracle, restoring from cfg.Restore when present.
func New(cfg Config) (*Oracle, error) {
	if cfg.Gate == nil {
		return nil, errors.New("oracle: access gate required")
	}
	if cfg.Source == nil {
		return nil, errors.New("oracle: rate source required")
	}
	o := &Oracle{
		gate:   cfg.Gate,
		source: cfg.Source,
		sink:   cfg.Sink,
		store:  cfg.Store,
		now:    cfg.Now,

		onOwnerChange: cfg.OnOwnerChange,
	}
	if o.now == nil {
		o.now = time.Now
	}

	maxSwing := cfg.MaxSwing
	if st := cfg.Restore; st != nil {
		hist, err := history.Restore(st.History)
		if err != nil {
			return nil, fmt.Errorf("oracle: restore: %w", err)
		}
		if last, ok := hist.Last(); ok && !last.Eq(&st.PreviousIndex) {
			return nil, fmt.Errorf("oracle: restore: previous index %s is not the last recorded %s",
				st.PreviousIndex.Dec(), last.Dec())
		}
		o.owner = st.Owner
		o.addrs = model.Addresses{Underlying: st.Underlying, Manager: st.Manager, Wrapped: st.Wrapped}
		o.history = hist
		o.previous = st.PreviousIndex
		if maxSwing.IsZero() {
			maxSwing = st.MaxSwing
		}
	} else {
		hist, err := history.New(cfg.WindowSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWindowSize, cfg.WindowSize)
		}
		o.owner = cfg.Owner
		o.addrs = cfg.Addresses
		o.history = hist
	}
	if maxSwing.IsZero() {
		maxSwing = swing.DefaultMaxSwing
	}
	o.guard = swing.NewGuard(maxSwing)
	return o, nil
}

// UpdateIndex reads the rate source, runs the swing check and records the
// candidate on acceptance. A rejected swing is not an error: the call
// returns Accepted=false, emits IndexAlert and changes nothing.
func (o *Oracle) UpdateIndex(ctx context.Context, caller common.Address) (model.UpdateOutcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	permitted, err := o.gate.IsPermitted(ctx, caller)
	if err != nil {
		return model.UpdateOutcome{}, fmt.Errorf("access gate: %w", err)
	}
	if !permitted {
		return model.UpdateOutcome{}, ErrNotAuthorized
	}

	candidate, err := o.candidate(ctx, o.addrs.Wrapped)
	if err != nil {
		return model.UpdateOutcome{}, err
	}

	average := o.averageOrZero()
	now := o.now()
	out := model.UpdateOutcome{
		Index:     candidate,
		Previous:  o.previous,
		Average:   average,
		Timestamp: now,
	}

	if !o.guard.Check(candidate, average) {
		o.emit(model.IndexAlert(o.previous, candidate, caller, now))
		return out, nil
	}

	next := o.history.Clone()
	next.Record(candidate)
	st := o.buildState(o.owner, o.addrs, next, candidate, now)
	if err := o.persist(ctx, st); err != nil {
		return model.UpdateOutcome{}, err
	}

	o.history = next
	o.previous = candidate
	out.Accepted = true
	out.Average, _ = next.Average()
	o.emit(model.UpdatePosted(candidate, caller, now))
	return out, nil
}

// candidate derives the index from the wrapped vault: totalAssets*Base/totalSupply.
func (o *Oracle) candidate(ctx context.Context, wrapped common.Address) (fixed.Index, error) {
	assets, err := o.source.TotalAssets(ctx, wrapped)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("rate source: total assets: %w", err)
	}
	supply, err := o.source.TotalSupply(ctx, wrapped)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("rate source: total supply: %w", err)
	}
	idx, err := fixed.Ratio(assets, supply)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("%w: index from assets=%s supply=%s: %w", ErrArithmetic, assets.Dec(), supply.Dec(), err)
	}
	return idx, nil
}

// AverageIndex returns the moving average of the accepted indices.
func (o *Oracle) AverageIndex() (fixed.Index, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.average()
}

func (o *Oracle) average() (fixed.Index, error) {
	avg, err := o.history.Average()
	if errors.Is(err, history.ErrEmpty) {
		return fixed.Index{}, ErrUninitialized
	}
	if err != nil {
		return fixed.Index{}, fmt.Errorf("%w: %w", ErrArithmetic, err)
	}
	return avg, nil
}

func (o *Oracle) averageOrZero() fixed.Index {
	avg, err := o.history.Average()
	if err != nil {
		return fixed.Index{}
	}
	return avg
}

// PreviousIndex returns the last accepted index, zero before the first one.
func (o *Oracle) PreviousIndex() fixed.Index {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.previous
}

// UnderlyingPrice returns the rate source's unit price of the underlying asset.
func (o *Oracle) UnderlyingPrice(ctx context.Context) (fixed.Index, error) {
	o.mu.RLock()
	addrs := o.addrs
	o.mu.RUnlock()

	price, err := o.source.UnitPrice(ctx, addrs.Underlying, addrs.Manager)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("rate source: unit price: %w", err)
	}
	return price, nil
}

// WrappedPrice returns floor(AverageIndex * UnderlyingPrice / Base).
func (o *Oracle) WrappedPrice(ctx context.Context) (fixed.Index, error) {
	avg, err := o.AverageIndex()
	if err != nil {
		return fixed.Index{}, err
	}
	price, err := o.UnderlyingPrice(ctx)
	if err != nil {
		return fixed.Index{}, err
	}
	wrapped, err := fixed.MulDiv(avg, price, fixed.Base)
	if err != nil {
		return fixed.Index{}, fmt.Errorf("%w: wrapped price: %w", ErrArithmetic, err)
	}
	return wrapped, nil
}

// CheckSwing reports whether candidate would pass the swing check against
// the current average. It never mutates state.
func (o *Oracle) CheckSwing(candidate fixed.Index) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.guard.Check(candidate, o.averageOrZero())
}

// Settings is the owner-visible configuration.
type Settings struct {
	Owner      common.Address
	Addresses  model.Addresses
	WindowSize int
	MaxSwing   fixed.Index
}

// Settings returns the current configuration in one consistent read.
func (o *Oracle) Settings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Settings{
		Owner:      o.owner,
		Addresses:  o.addrs,
		WindowSize: o.history.Cap(),
		MaxSwing:   o.guard.MaxSwing,
	}
}

// MaxSwing returns the configured deviation band.
func (o *Oracle) MaxSwing() fixed.Index {
	return o.guard.MaxSwing
}

// Owner returns the current owner.
func (o *Oracle) Owner() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// Addresses returns the configured source addresses.
func (o *Oracle) Addresses() model.Addresses {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.addrs
}

// WindowSize returns the history capacity.
func (o *Oracle) WindowSize() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.history.Cap()
}

// History returns the accepted indices currently in the window, oldest first.
func (o *Oracle) History() []fixed.Index {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.history.Values()
}

// Snapshot returns the full state in its persisted form.
func (o *Oracle) Snapshot() *model.OracleState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.buildState(o.owner, o.addrs, o.history, o.previous, o.now())
}

func (o *Oracle) buildState(owner common.Address, addrs model.Addresses, hist *history.Buffer, previous fixed.Index, ts time.Time) *model.OracleState {
	return &model.OracleState{
		Version:       model.StateVersion,
		Owner:         owner,
		Underlying:    addrs.Underlying,
		Manager:       addrs.Manager,
		Wrapped:       addrs.Wrapped,
		MaxSwing:      o.guard.MaxSwing,
		PreviousIndex: previous,
		History:       hist.Snapshot(),
		SavedAt:       ts,
	}
}

func (o *Oracle) persist(ctx context.Context, st *model.OracleState) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.SaveState(ctx, st); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (o *Oracle) emit(ev model.Event) {
	if o.sink != nil {
		o.sink.Emit(ev)
	}
}
