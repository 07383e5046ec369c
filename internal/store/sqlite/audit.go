package sqlite

import (
	"context"
	"errors"
	"fmt"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/history"
)

var ErrNoState = errors.New("sqlite: no oracle state stored")

// AuditReport compares the persisted history window against the tail of the
// event journal.
type AuditReport struct {
	WindowSize     int           `json:"window_size"`
	Filled         int           `json:"filled"`
	Stored         []fixed.Index `json:"-"`
	Journal        []fixed.Index `json:"-"`
	StoredAverage  fixed.Index   `json:"-"`
	JournalAverage fixed.Index   `json:"-"`
	Mismatches     []int         `json:"mismatches,omitempty"`
}

// OK reports whether the journal reproduces the stored window exactly.
func (a *AuditReport) OK() bool {
	return len(a.Mismatches) == 0 && len(a.Stored) == len(a.Journal) && a.StoredAverage.Eq(&a.JournalAverage)
}

// Audit recomputes the moving average from the journaled UpdatePosted events
// and compares it with the stored state. Resizes keep the most recent
// entries, so the stored window is always the journal's tail.
func (r *Reader) Audit(ctx context.Context) (*AuditReport, error) {
	st, err := r.ReadState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNoState
	}
	hist, err := history.Restore(st.History)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	rep := &AuditReport{
		WindowSize: hist.Cap(),
		Filled:     hist.Len(),
		Stored:     hist.Values(),
	}
	if rep.Filled == 0 {
		return rep, nil
	}
	if rep.Journal, err = r.AcceptedIndices(ctx, rep.Filled); err != nil {
		return nil, err
	}
	if rep.StoredAverage, err = fixed.Mean(rep.Stored); err != nil {
		return nil, fmt.Errorf("audit: stored average: %w", err)
	}
	if len(rep.Journal) > 0 {
		if rep.JournalAverage, err = fixed.Mean(rep.Journal); err != nil {
			return nil, fmt.Errorf("audit: journal average: %w", err)
		}
	}
	for i := range rep.Stored {
		if i >= len(rep.Journal) || !rep.Stored[i].Eq(&rep.Journal[i]) {
			rep.Mismatches = append(rep.Mismatches, i)
		}
	}
	return rep, nil
}
