package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/fixed"
)

// StateVersion is bumped when the persisted layout changes.
const StateVersion = 1

// HistorySnapshot is the raw ring-buffer layout of the index history.
type HistorySnapshot struct {
	Slots   []fixed.Index // len == capacity
	Cursor  int           // next slot to write
	Filled  int           // number of populated slots
	Updates uint64        // lifetime accepted updates
}

// OracleState is the complete persisted state of one oracle instance.
type OracleState struct {
	Version       int
	Owner         common.Address
	Underlying    common.Address
	Manager       common.Address
	Wrapped       common.Address
	MaxSwing      fixed.Index
	PreviousIndex fixed.Index
	History       HistorySnapshot
	SavedAt       time.Time
}

// WindowSize is the configured capacity of the history buffer.
func (s *OracleState) WindowSize() int { return len(s.History.Slots) }

type stateJSON struct {
	Version       int       `json:"version"`
	Owner         string    `json:"owner"`
	Underlying    string    `json:"underlying"`
	Manager       string    `json:"manager"`
	Wrapped       string    `json:"wrapped"`
	MaxSwing      string    `json:"max_swing"`
	PreviousIndex string    `json:"previous_index"`
	Slots         []string  `json:"slots"`
	Cursor        int       `json:"cursor"`
	Filled        int       `json:"filled"`
	Updates       uint64    `json:"updates"`
	SavedAt       time.Time `json:"saved_at"`
}

// MarshalJSON produces a deterministic encoding: fixed field order, indices
// as decimal strings, addresses in checksummed hex.
func (s *OracleState) MarshalJSON() ([]byte, error) {
	slots := make([]string, len(s.History.Slots))
	for i := range s.History.Slots {
		slots[i] = s.History.Slots[i].Dec()
	}
	return json.Marshal(stateJSON{
		Version:       s.Version,
		Owner:         s.Owner.Hex(),
		Underlying:    s.Underlying.Hex(),
		Manager:       s.Manager.Hex(),
		Wrapped:       s.Wrapped.Hex(),
		MaxSwing:      s.MaxSwing.Dec(),
		PreviousIndex: s.PreviousIndex.Dec(),
		Slots:         slots,
		Cursor:        s.History.Cursor,
		Filled:        s.History.Filled,
		Updates:       s.History.Updates,
		SavedAt:       s.SavedAt.UTC(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *OracleState) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d", in.Version)
	}
	maxSwing, err := fixed.Parse(in.MaxSwing)
	if err != nil {
		return fmt.Errorf("max_swing: %w", err)
	}
	prev, err := fixed.Parse(in.PreviousIndex)
	if err != nil {
		return fmt.Errorf("previous_index: %w", err)
	}
	slots := make([]fixed.Index, len(in.Slots))
	for i, raw := range in.Slots {
		if slots[i], err = fixed.Parse(raw); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	*s = OracleState{
		Version:       in.Version,
		Owner:         common.HexToAddress(in.Owner),
		Underlying:    common.HexToAddress(in.Underlying),
		Manager:       common.HexToAddress(in.Manager),
		Wrapped:       common.HexToAddress(in.Wrapped),
		MaxSwing:      maxSwing,
		PreviousIndex: prev,
		History: HistorySnapshot{
			Slots:   slots,
			Cursor:  in.Cursor,
			Filled:  in.Filled,
			Updates: in.Updates,
		},
		SavedAt: in.SavedAt,
	}
	return nil
}
