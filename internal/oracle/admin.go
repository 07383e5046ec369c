package oracle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/model"
)

// Owner-gated reconfiguration. Each setter replaces exactly one field and
// emits a change record carrying the old and new value. Addresses are not
// validated beyond the owner check.

// SetUnderlyingAddress replaces the underlying asset address.
func (o *Oracle) SetUnderlyingAddress(ctx context.Context, caller, addr common.Address) error {
	return o.setAddress(ctx, caller, addr, model.EventUnderlyingAddressChanged,
		func(a *model.Addresses) *common.Address { return &a.Underlying })
}

// SetManagerAddress replaces the manager (accounting) address.
func (o *Oracle) SetManagerAddress(ctx context.Context, caller, addr common.Address) error {
	return o.setAddress(ctx, caller, addr, model.EventManagerAddressChanged,
		func(a *model.Addresses) *common.Address { return &a.Manager })
}

// SetWrappedAddress replaces the wrapped vault address.
func (o *Oracle) SetWrappedAddress(ctx context.Context, caller, addr common.Address) error {
	return o.setAddress(ctx, caller, addr, model.EventWrappedAddressChanged,
		func(a *model.Addresses) *common.Address { return &a.Wrapped })
}

func (o *Oracle) setAddress(ctx context.Context, caller, addr common.Address, kind model.EventKind, field func(*model.Addresses) *common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.owner {
		return ErrNotOwner
	}
	next := o.addrs
	old := *field(&next)
	*field(&next) = addr

	now := o.now()
	if err := o.persist(ctx, o.buildState(o.owner, next, o.history, o.previous, now)); err != nil {
		return err
	}
	o.addrs = next
	o.emit(model.AddressChanged(kind, old, addr, caller, now))
	return nil
}

// SetWindowSize changes the history capacity. The most recent
// min(filled, n) indices are kept, so the average after a resize is the
// mean over that retained tail.
func (o *Oracle) SetWindowSize(ctx context.Context, caller common.Address, n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.owner {
		return ErrNotOwner
	}
	if n <= 0 {
		return ErrInvalidWindowSize
	}
	old := o.history.Cap()
	next := o.history.Clone()
	if err := next.Resize(n); err != nil {
		return err
	}

	now := o.now()
	if err := o.persist(ctx, o.buildState(o.owner, o.addrs, next, o.previous, now)); err != nil {
		return err
	}
	o.history = next
	o.emit(model.WindowSizeChanged(old, n, caller, now))
	return nil
}

// TransferOwnership hands configuration rights to newOwner.
func (o *Oracle) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if caller != o.owner {
		return ErrNotOwner
	}
	if newOwner == (common.Address{}) {
		return ErrZeroOwner
	}

	now := o.now()
	if err := o.persist(ctx, o.buildState(newOwner, o.addrs, o.history, o.previous, now)); err != nil {
		return err
	}
	old := o.owner
	o.owner = newOwner
	if o.onOwnerChange != nil {
		o.onOwnerChange(newOwner)
	}
	o.emit(model.AddressChanged(model.EventOwnershipTransferred, old, newOwner, caller, now))
	return nil
}
