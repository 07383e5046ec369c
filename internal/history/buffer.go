// Package history provides the fixed-capacity ring buffer of accepted index
// values and its moving average.
//
// Slots fill contiguously from 0. Once full, each write overwrites the
// logically-oldest slot at the cursor. The buffer does no validation of its
// own; callers decide what is worth recording.
package history

import (
	"errors"
	"fmt"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

var (
	ErrEmpty           = errors.New("history: no recorded index")
	ErrInvalidCapacity = errors.New("history: capacity must be positive")
)

// Buffer is a ring buffer of fixed.Index values. Not safe for concurrent
// use; the owning oracle serialises access.
type Buffer struct {
	slots   []fixed.Index
	cursor  int    // next write position
	filled  int    // populated slots, <= len(slots)
	updates uint64 // lifetime Record calls
}

// New creates an empty buffer with the given capacity.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Buffer{slots: make([]fixed.Index, capacity)}, nil
}

// Record writes v at the cursor and advances it.
func (b *Buffer) Record(v fixed.Index) {
	b.slots[b.cursor] = v
	b.cursor = (b.cursor + 1) % len(b.slots)
	if b.filled < len(b.slots) {
		b.filled++
	}
	b.updates++
}

// Average returns the truncated mean of the populated slots.
func (b *Buffer) Average() (fixed.Index, error) {
	if b.filled == 0 {
		return fixed.Index{}, ErrEmpty
	}
	return fixed.Mean(b.slots[:b.filled])
}

// Last returns the most recently recorded value.
func (b *Buffer) Last() (fixed.Index, bool) {
	if b.filled == 0 {
		return fixed.Index{}, false
	}
	return b.slots[(b.cursor+len(b.slots)-1)%len(b.slots)], true
}

func (b *Buffer) Len() int        { return b.filled }
func (b *Buffer) Cap() int        { return len(b.slots) }
func (b *Buffer) Cursor() int     { return b.cursor }
func (b *Buffer) Updates() uint64 { return b.updates }
func (b *Buffer) Full() bool      { return b.filled == len(b.slots) }

// Values returns the populated values oldest first.
func (b *Buffer) Values() []fixed.Index {
	out := make([]fixed.Index, 0, b.filled)
	start := 0
	if b.Full() {
		start = b.cursor
	}
	for i := 0; i < b.filled; i++ {
		out = append(out, b.slots[(start+i)%len(b.slots)])
	}
	return out
}

// Slots returns a copy of the raw slot layout, including unpopulated slots.
func (b *Buffer) Slots() []fixed.Index {
	out := make([]fixed.Index, len(b.slots))
	copy(out, b.slots)
	return out
}

// Clone returns an independent copy.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{
		slots:   b.Slots(),
		cursor:  b.cursor,
		filled:  b.filled,
		updates: b.updates,
	}
}

// Resize changes the capacity. The most recent min(Len, capacity) values
// are kept and re-laid oldest first from slot 0; the lifetime update count
// is preserved.
func (b *Buffer) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	vals := b.Values()
	if len(vals) > capacity {
		vals = vals[len(vals)-capacity:]
	}
	slots := make([]fixed.Index, capacity)
	copy(slots, vals)
	b.slots = slots
	b.filled = len(vals)
	b.cursor = len(vals) % capacity
	return nil
}

// Snapshot captures the buffer for persistence.
func (b *Buffer) Snapshot() model.HistorySnapshot {
	return model.HistorySnapshot{
		Slots:   b.Slots(),
		Cursor:  b.cursor,
		Filled:  b.filled,
		Updates: b.updates,
	}
}

// Restore rebuilds a buffer from a snapshot, rejecting layouts that break
// the contiguous-fill invariant.
func Restore(snap model.HistorySnapshot) (*Buffer, error) {
	capacity := len(snap.Slots)
	switch {
	case capacity == 0:
		return nil, ErrInvalidCapacity
	case snap.Filled < 0 || snap.Filled > capacity:
		return nil, fmt.Errorf("history: filled %d out of range for capacity %d", snap.Filled, capacity)
	case snap.Cursor < 0 || snap.Cursor >= capacity:
		return nil, fmt.Errorf("history: cursor %d out of range for capacity %d", snap.Cursor, capacity)
	case snap.Filled < capacity && snap.Cursor != snap.Filled:
		return nil, fmt.Errorf("history: cursor %d must equal filled %d before wraparound", snap.Cursor, snap.Filled)
	case uint64(snap.Filled) > snap.Updates:
		return nil, fmt.Errorf("history: filled %d exceeds update count %d", snap.Filled, snap.Updates)
	}
	for i := 0; i < snap.Filled; i++ {
		if snap.Slots[i].IsZero() {
			return nil, fmt.Errorf("history: zero index in populated slot %d", i)
		}
	}
	b := &Buffer{
		slots:   make([]fixed.Index, capacity),
		cursor:  snap.Cursor,
		filled:  snap.Filled,
		updates: snap.Updates,
	}
	copy(b.slots, snap.Slots)
	return b, nil
}
