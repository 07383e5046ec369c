package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/allowlist"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/history"
	"wrapped-oracle/internal/model"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ts     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func openTemp(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oracle.db")
	w, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	r, err := NewReader(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func stateWith(t *testing.T, window int, values ...uint64) *model.OracleState {
	t.Helper()
	b, err := history.New(window)
	require.NoError(t, err)
	var last fixed.Index
	for _, v := range values {
		last = fixed.FromUint64(v)
		b.Record(last)
	}
	return &model.OracleState{
		Version:       model.StateVersion,
		Owner:         owner,
		MaxSwing:      fixed.FromUint64(1000),
		PreviousIndex: last,
		History:       b.Snapshot(),
		SavedAt:       ts,
	}
}

func TestStateRoundTrip(t *testing.T) {
	w, r := openTemp(t)
	ctx := context.Background()

	got, err := w.LoadState(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, w.SaveState(ctx, stateWith(t, 3, 10, 11)))
	st := stateWith(t, 3, 10, 11, 12, 13)
	require.NoError(t, w.SaveState(ctx, st))

	got, err = r.ReadState(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, st.History, got.History)
	assert.Equal(t, owner, got.Owner)
	assert.Equal(t, "13", got.PreviousIndex.Dec())
	assert.True(t, st.SavedAt.Equal(got.SavedAt))
}

func TestPermissions(t *testing.T) {
	w, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, w.SavePermission(ctx, keeper, true))
	require.NoError(t, w.SavePermission(ctx, owner, true))
	require.NoError(t, w.SavePermission(ctx, owner, false))

	got, err := w.LoadPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[common.Address]bool{keeper: true, owner: false}, got)
}

func TestPermissions_RevocationSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oracle.db")
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	w, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	l := allowlist.New(allowlist.Config{Owner: owner, Members: []common.Address{keeper, other}, Store: w})
	require.NoError(t, l.Load(ctx))
	require.NoError(t, l.SetPermitted(ctx, owner, other, false))
	require.NoError(t, w.Close())

	w, err = New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	defer w.Close()
	l = allowlist.New(allowlist.Config{Owner: owner, Members: []common.Address{keeper, other}, Store: w})
	require.NoError(t, l.Load(ctx))

	ok, err := l.IsPermitted(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)
	rows, err := w.LoadPermissions(ctx)
	require.NoError(t, err)
	assert.False(t, rows[other])
}

func TestJournalRunAndRead(t *testing.T) {
	w, r := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan model.Event, 10)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, ch)
		close(done)
	}()

	ch <- model.UpdatePosted(fixed.FromUint64(100), keeper, ts)
	ch <- model.UpdatePosted(fixed.FromUint64(101), keeper, ts.Add(time.Second))
	ch <- model.IndexAlert(fixed.FromUint64(101), fixed.FromUint64(999), keeper, ts.Add(2*time.Second))
	ch <- model.WindowSizeChanged(6, 3, owner, ts.Add(3*time.Second))
	close(ch)
	<-done
	cancel()

	all, err := r.ReadEvents(context.Background(), EventQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, model.EventWindowSizeChanged, all[0].Event.Kind)
	assert.Equal(t, 3, all[0].Event.NewValue)

	alerts, err := r.ReadEvents(context.Background(), EventQuery{Kind: model.EventIndexAlert})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "999", alerts[0].Event.Index.Dec())
	assert.Equal(t, "101", alerts[0].Event.Previous.Dec())

	page, err := r.ReadEvents(context.Background(), EventQuery{BeforeID: all[1].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, all[2].ID, page[0].ID)

	idx, err := r.AcceptedIndices(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, idx, 2)
	assert.Equal(t, "100", idx[0].Dec())
	assert.Equal(t, "101", idx[1].Dec())

	n, err := r.CountEvents(context.Background(), model.EventUpdatePosted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAudit(t *testing.T) {
	w, r := openTemp(t)
	ctx := context.Background()

	_, err := r.Audit(ctx)
	require.ErrorIs(t, err, ErrNoState)

	var events []model.Event
	for _, v := range []uint64{10, 11, 12, 13, 14} {
		events = append(events, model.UpdatePosted(fixed.FromUint64(v), keeper, ts))
	}
	require.NoError(t, w.InsertEvents(events))
	require.NoError(t, w.SaveState(ctx, stateWith(t, 3, 10, 11, 12, 13, 14)))

	rep, err := r.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, 3, rep.Filled)
	assert.Equal(t, "13", rep.JournalAverage.Dec())

	// A stored window that the journal does not end with is flagged.
	require.NoError(t, w.SaveState(ctx, stateWith(t, 3, 10, 11, 12)))
	rep, err = r.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Equal(t, []int{0, 1, 2}, rep.Mismatches)
}
