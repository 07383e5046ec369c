// Package allowlist is the owner-managed registry of addresses permitted to
// push index updates.
package allowlist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/model"
)

var ErrNotOwner = errors.New("allowlist: caller is not the owner")

// Store persists membership. Implemented by the sqlite store.
type Store interface {
	SavePermission(ctx context.Context, account common.Address, allowed bool) error
	LoadPermissions(ctx context.Context) (map[common.Address]bool, error)
}

// Config configures a List.
type Config struct {
	Owner   common.Address
	Members []common.Address // seeded on Load unless the store already has a row
	Store   Store            // optional
	Sink    model.EventSink  // optional
	Now     func() time.Time
}

// List implements model.AccessGate.
type List struct {
	mu      sync.RWMutex
	owner   common.Address
	members map[common.Address]struct{}

	store Store
	sink  model.EventSink
	now   func() time.Time
}

// New returns a list holding only the configured bootstrap members.
// Call Load to merge in persisted membership.
func New(cfg Config) *List {
	l := &List{
		owner:   cfg.Owner,
		members: make(map[common.Address]struct{}, len(cfg.Members)),
		store:   cfg.Store,
		sink:    cfg.Sink,
		now:     cfg.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}
	for _, m := range cfg.Members {
		l.members[m] = struct{}{}
	}
	return l
}

// Load applies persisted membership. A bootstrap member is written to the
// store only when it has no row yet, so a persisted revocation wins over
// the startup configuration.
func (l *List) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	stored, err := l.store.LoadPermissions(ctx)
	if err != nil {
		return fmt.Errorf("allowlist: load: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for m := range l.members {
		if _, ok := stored[m]; ok {
			continue
		}
		if err := l.store.SavePermission(ctx, m, true); err != nil {
			return fmt.Errorf("allowlist: persist bootstrap member %s: %w", m.Hex(), err)
		}
	}
	revoked := 0
	for m, allowed := range stored {
		if allowed {
			l.members[m] = struct{}{}
			continue
		}
		if _, ok := l.members[m]; ok {
			revoked++
		}
		delete(l.members, m)
	}
	if revoked > 0 {
		log.Printf("[allowlist] %d configured members stay revoked", revoked)
	}
	log.Printf("[allowlist] loaded %d members (%d persisted rows)", len(l.members), len(stored))
	return nil
}

// IsPermitted reports whether caller may submit updates.
func (l *List) IsPermitted(_ context.Context, caller common.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.members[caller]
	return ok, nil
}

// SetPermitted adds or removes account. Owner only. Setting a value the
// account already has is a successful no-op without an event.
func (l *List) SetPermitted(ctx context.Context, caller, account common.Address, allowed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.owner {
		return ErrNotOwner
	}
	_, present := l.members[account]
	if present == allowed {
		return nil
	}
	if l.store != nil {
		if err := l.store.SavePermission(ctx, account, allowed); err != nil {
			return fmt.Errorf("allowlist: persist %s: %w", account.Hex(), err)
		}
	}
	if allowed {
		l.members[account] = struct{}{}
	} else {
		delete(l.members, account)
	}
	if l.sink != nil {
		l.sink.Emit(model.PermissionChanged(account, allowed, caller, l.now()))
	}
	return nil
}

// Members returns the permitted addresses sorted by hex form.
func (l *List) Members() []common.Address {
	l.mu.RLock()
	out := make([]common.Address, 0, len(l.members))
	for m := range l.members {
		out = append(out, m)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Owner returns the address allowed to edit membership.
func (l *List) Owner() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

// SetOwner moves membership rights; used when oracle ownership is transferred.
func (l *List) SetOwner(owner common.Address) {
	l.mu.Lock()
	l.owner = owner
	l.mu.Unlock()
}
