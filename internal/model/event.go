package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
)

// EventKind names an emitted oracle record.
type EventKind string

const (
	EventUpdatePosted             EventKind = "UpdatePosted"
	EventIndexAlert               EventKind = "IndexAlert"
	EventUnderlyingAddressChanged EventKind = "UnderlyingAddressChanged"
	EventManagerAddressChanged    EventKind = "ManagerAddressChanged"
	EventWrappedAddressChanged    EventKind = "WrappedAddressChanged"
	EventWindowSizeChanged        EventKind = "WindowSizeChanged"
	EventOwnershipTransferred     EventKind = "OwnershipTransferred"
	EventPermissionChanged        EventKind = "PermissionChanged"
)

// Event is a single record emitted by the oracle or the allow-list.
//
// Which fields are populated depends on Kind:
//   - UpdatePosted: Index
//   - IndexAlert: Previous (index before the call), Index (rejected candidate)
//   - *AddressChanged / OwnershipTransferred: OldAddress, NewAddress
//   - WindowSizeChanged: OldValue, NewValue
//   - PermissionChanged: Account, Allowed
type Event struct {
	Kind     EventKind
	Index    fixed.Index
	Previous fixed.Index

	OldAddress common.Address
	NewAddress common.Address
	OldValue   int
	NewValue   int

	Account common.Address
	Allowed bool

	Caller common.Address
	TS     time.Time
}

// UpdatePosted records an accepted index.
func UpdatePosted(index fixed.Index, caller common.Address, ts time.Time) Event {
	return Event{Kind: EventUpdatePosted, Index: index, Caller: caller, TS: ts}
}

// IndexAlert records a candidate rejected by the swing check.
func IndexAlert(previous, rejected fixed.Index, caller common.Address, ts time.Time) Event {
	return Event{Kind: EventIndexAlert, Previous: previous, Index: rejected, Caller: caller, TS: ts}
}

// AddressChanged records an owner replacing one of the configured addresses.
func AddressChanged(kind EventKind, old, new common.Address, caller common.Address, ts time.Time) Event {
	return Event{Kind: kind, OldAddress: old, NewAddress: new, Caller: caller, TS: ts}
}

// WindowSizeChanged records an owner resizing the history window.
func WindowSizeChanged(old, new int, caller common.Address, ts time.Time) Event {
	return Event{Kind: EventWindowSizeChanged, OldValue: old, NewValue: new, Caller: caller, TS: ts}
}

// PermissionChanged records an allow-list write.
func PermissionChanged(account common.Address, allowed bool, caller common.Address, ts time.Time) Event {
	return Event{Kind: EventPermissionChanged, Account: account, Allowed: allowed, Caller: caller, TS: ts}
}

// Rejected is the candidate carried by an IndexAlert.
func (e Event) Rejected() fixed.Index { return e.Index }

// String renders a compact one-line description for logs and alerts.
func (e Event) String() string {
	switch e.Kind {
	case EventUpdatePosted:
		return fmt.Sprintf("%s index=%s", e.Kind, fixed.Format(e.Index))
	case EventIndexAlert:
		return fmt.Sprintf("%s previous=%s rejected=%s", e.Kind, fixed.Format(e.Previous), fixed.Format(e.Index))
	case EventWindowSizeChanged:
		return fmt.Sprintf("%s old=%d new=%d", e.Kind, e.OldValue, e.NewValue)
	case EventPermissionChanged:
		return fmt.Sprintf("%s account=%s allowed=%t", e.Kind, e.Account.Hex(), e.Allowed)
	default:
		return fmt.Sprintf("%s old=%s new=%s", e.Kind, e.OldAddress.Hex(), e.NewAddress.Hex())
	}
}

// eventJSON is the wire form. Indices are decimal strings so they survive
// JSON consumers that parse numbers as float64.
type eventJSON struct {
	Kind       EventKind `json:"kind"`
	Index      string    `json:"index,omitempty"`
	Previous   string    `json:"previous_index,omitempty"`
	OldAddress string    `json:"old_address,omitempty"`
	NewAddress string    `json:"new_address,omitempty"`
	OldValue   int       `json:"old_value,omitempty"`
	NewValue   int       `json:"new_value,omitempty"`
	Account    string    `json:"account,omitempty"`
	Allowed    bool      `json:"allowed,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	TS         time.Time `json:"ts"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{Kind: e.Kind, Caller: e.Caller.Hex(), TS: e.TS.UTC()}
	switch e.Kind {
	case EventUpdatePosted:
		out.Index = e.Index.Dec()
	case EventIndexAlert:
		out.Index = e.Index.Dec()
		out.Previous = e.Previous.Dec()
	case EventWindowSizeChanged:
		out.OldValue, out.NewValue = e.OldValue, e.NewValue
	case EventPermissionChanged:
		out.Account = e.Account.Hex()
		out.Allowed = e.Allowed
	default:
		out.OldAddress = e.OldAddress.Hex()
		out.NewAddress = e.NewAddress.Hex()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{
		Kind:     in.Kind,
		OldValue: in.OldValue,
		NewValue: in.NewValue,
		Allowed:  in.Allowed,
		TS:       in.TS,
	}
	if in.Index != "" {
		v, err := fixed.Parse(in.Index)
		if err != nil {
			return fmt.Errorf("event index: %w", err)
		}
		e.Index = v
	}
	if in.Previous != "" {
		v, err := fixed.Parse(in.Previous)
		if err != nil {
			return fmt.Errorf("event previous index: %w", err)
		}
		e.Previous = v
	}
	e.OldAddress = common.HexToAddress(in.OldAddress)
	e.NewAddress = common.HexToAddress(in.NewAddress)
	e.Account = common.HexToAddress(in.Account)
	e.Caller = common.HexToAddress(in.Caller)
	return nil
}
