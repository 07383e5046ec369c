package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/history"
	"wrapped-oracle/internal/model"
)

func startRedis(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	mr := miniredis.RunT(t)
	w, err := New(WriterConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	r, err := NewReader(ReaderConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func TestReadEvents_Pages(t *testing.T) {
	w, r := startRedis(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.PublishEvent(ctx, ev(i)))
	}

	first, err := r.ReadEvents(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "1", first[0].Event.Index.Dec())
	assert.Equal(t, "2", first[1].Event.Index.Dec())

	rest, err := r.ReadEvents(ctx, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "3", rest[0].Event.Index.Dec())
	assert.Equal(t, "5", rest[2].Event.Index.Dec())

	none, err := r.ReadEvents(ctx, rest[2].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReadSnapshot(t *testing.T) {
	w, r := startRedis(t)
	ctx := context.Background()

	st, err := r.ReadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	h, err := history.New(3)
	require.NoError(t, err)
	h.Record(fixed.Base)
	h.Record(fixed.MustParse("1000500000000000000"))
	saved := &model.OracleState{
		Version:       model.StateVersion,
		Owner:         common.HexToAddress("0xa1"),
		MaxSwing:      fixed.MustParse("1000000000000000"),
		PreviousIndex: fixed.MustParse("1000500000000000000"),
		History:       h.Snapshot(),
		SavedAt:       time.Unix(1_750_000_000, 0).UTC(),
	}
	require.NoError(t, w.SaveSnapshot(ctx, saved))

	st, err = r.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, saved.Owner, st.Owner)
	assert.Equal(t, 3, st.WindowSize())
	assert.Equal(t, 2, st.History.Filled)
	assert.True(t, saved.SavedAt.Equal(st.SavedAt))
}
