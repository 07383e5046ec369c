package history

import (
	"testing"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

func idx(v uint64) fixed.Index { return fixed.FromUint64(v) }

func TestBuffer_New(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("capacity 0 should be rejected")
	}
	b, err := New(3)
	if err != nil {
		t.Fatalf("New(3): %v", err)
	}
	if b.Cap() != 3 || b.Len() != 0 {
		t.Fatalf("expected cap=3 len=0, got cap=%d len=%d", b.Cap(), b.Len())
	}
	if _, err := b.Average(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestBuffer_PartialAverage(t *testing.T) {
	b, _ := New(6)
	b.Record(idx(10))
	b.Record(idx(20))

	avg, err := b.Average()
	if err != nil {
		t.Fatal(err)
	}
	// Averages over filled slots only, not capacity.
	if avg.Uint64() != 15 {
		t.Fatalf("expected 15, got %s", avg.Dec())
	}
	if b.Cursor() != 2 {
		t.Fatalf("expected cursor=2, got %d", b.Cursor())
	}
}

func TestBuffer_Wraparound(t *testing.T) {
	b, _ := New(3)
	for i := uint64(1); i <= 5; i++ {
		b.Record(idx(i))
	}
	// Last three accepted: 3, 4, 5.
	want := []uint64{3, 4, 5}
	got := b.Values()
	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Uint64() != want[i] {
			t.Fatalf("values[%d]: expected %d, got %s", i, want[i], got[i].Dec())
		}
	}
	if b.Cursor() != int(b.Updates()%3) {
		t.Fatalf("cursor %d != updates %% cap", b.Cursor())
	}
	avg, _ := b.Average()
	if avg.Uint64() != 4 {
		t.Fatalf("expected avg 4, got %s", avg.Dec())
	}
	last, ok := b.Last()
	if !ok || last.Uint64() != 5 {
		t.Fatalf("expected last=5, got %s ok=%v", last.Dec(), ok)
	}
}

func TestBuffer_MeanOfLastWindow(t *testing.T) {
	// For any sequence, the average equals the mean of the last
	// min(n, cap) recorded values.
	const capacity = 4
	b, _ := New(capacity)
	var all []uint64
	for i := 0; i < 11; i++ {
		v := uint64(100 + i*7)
		all = append(all, v)
		b.Record(idx(v))

		window := all
		if len(window) > capacity {
			window = window[len(window)-capacity:]
		}
		var sum uint64
		for _, w := range window {
			sum += w
		}
		avg, err := b.Average()
		if err != nil {
			t.Fatal(err)
		}
		if avg.Uint64() != sum/uint64(len(window)) {
			t.Fatalf("step %d: expected %d, got %s", i, sum/uint64(len(window)), avg.Dec())
		}
	}
}

func TestBuffer_SingleSlotChangesPerRecord(t *testing.T) {
	b, _ := New(3)
	for i := uint64(1); i <= 7; i++ {
		before := b.Slots()
		cursor := b.Cursor()
		b.Record(idx(i * 10))
		after := b.Slots()
		changed := 0
		for j := range before {
			if !before[j].Eq(&after[j]) {
				changed++
				if j != cursor {
					t.Fatalf("record %d changed slot %d, expected cursor slot %d", i, j, cursor)
				}
			}
		}
		if changed != 1 {
			t.Fatalf("record %d changed %d slots", i, changed)
		}
	}
}

func TestBuffer_Clone(t *testing.T) {
	b, _ := New(2)
	b.Record(idx(1))
	c := b.Clone()
	c.Record(idx(2))
	if b.Len() != 1 || c.Len() != 2 {
		t.Fatalf("clone is not independent: b.len=%d c.len=%d", b.Len(), c.Len())
	}
}

func TestBuffer_Resize(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		records  int
		resize   int
		want     []uint64
	}{
		{"shrink_full", 4, 6, 2, []uint64{5, 6}},
		{"shrink_partial", 6, 3, 2, []uint64{2, 3}},
		{"grow_wrapped", 3, 5, 5, []uint64{3, 4, 5}},
		{"same", 3, 2, 3, []uint64{1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := New(tc.capacity)
			for i := 1; i <= tc.records; i++ {
				b.Record(idx(uint64(i)))
			}
			if err := b.Resize(tc.resize); err != nil {
				t.Fatal(err)
			}
			got := b.Values()
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d values", tc.want, len(got))
			}
			for i := range tc.want {
				if got[i].Uint64() != tc.want[i] {
					t.Fatalf("values[%d]: expected %d, got %s", i, tc.want[i], got[i].Dec())
				}
			}
			if b.Cap() != tc.resize {
				t.Fatalf("expected cap=%d, got %d", tc.resize, b.Cap())
			}
			if b.Updates() != uint64(tc.records) {
				t.Fatalf("lifetime updates lost: %d", b.Updates())
			}
			// The next write lands after the retained values.
			b.Record(idx(99))
			last, _ := b.Last()
			if last.Uint64() != 99 {
				t.Fatalf("expected last=99, got %s", last.Dec())
			}
		})
	}

	b, _ := New(2)
	if err := b.Resize(0); err == nil {
		t.Fatal("resize to 0 should fail")
	}
}

func TestBuffer_SnapshotRestore(t *testing.T) {
	b, _ := New(3)
	for i := uint64(1); i <= 4; i++ {
		b.Record(idx(i))
	}
	r, err := Restore(b.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	a1, _ := b.Average()
	a2, _ := r.Average()
	if !a1.Eq(&a2) || r.Cursor() != b.Cursor() || r.Updates() != b.Updates() {
		t.Fatal("restored buffer differs from original")
	}
}

func TestRestore_RejectsBrokenLayouts(t *testing.T) {
	cases := []struct {
		name string
		snap model.HistorySnapshot
	}{
		{"no_capacity", model.HistorySnapshot{}},
		{"filled_over_cap", model.HistorySnapshot{Slots: make([]fixed.Index, 2), Filled: 3, Updates: 3}},
		{"cursor_out_of_range", model.HistorySnapshot{Slots: make([]fixed.Index, 2), Cursor: 2}},
		{"gap_before_wrap", model.HistorySnapshot{Slots: []fixed.Index{idx(1), {}, {}}, Cursor: 2, Filled: 1, Updates: 1}},
		{"zero_populated", model.HistorySnapshot{Slots: []fixed.Index{{}, {}}, Cursor: 1, Filled: 1, Updates: 1}},
		{"filled_over_updates", model.HistorySnapshot{Slots: []fixed.Index{idx(1), {}}, Cursor: 1, Filled: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Restore(tc.snap); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
