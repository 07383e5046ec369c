package allowlist

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/model"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	other  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type memStore struct {
	rows    map[common.Address]bool
	failErr error
}

func (m *memStore) SavePermission(_ context.Context, a common.Address, allowed bool) error {
	if m.failErr != nil {
		return m.failErr
	}
	if m.rows == nil {
		m.rows = map[common.Address]bool{}
	}
	m.rows[a] = allowed
	return nil
}

func (m *memStore) LoadPermissions(context.Context) (map[common.Address]bool, error) {
	out := make(map[common.Address]bool, len(m.rows))
	for a, ok := range m.rows {
		out[a] = ok
	}
	return out, nil
}

func TestSetPermitted(t *testing.T) {
	ctx := context.Background()
	var events []model.Event
	l := New(Config{Owner: owner, Sink: model.EventSinkFunc(func(ev model.Event) { events = append(events, ev) })})

	ok, err := l.IsPermitted(ctx, keeper)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SetPermitted(ctx, owner, keeper, true))
	ok, _ = l.IsPermitted(ctx, keeper)
	assert.True(t, ok)

	// Repeat is a no-op.
	require.NoError(t, l.SetPermitted(ctx, owner, keeper, true))
	require.Len(t, events, 1)
	assert.Equal(t, model.EventPermissionChanged, events[0].Kind)
	assert.Equal(t, keeper, events[0].Account)
	assert.True(t, events[0].Allowed)

	require.NoError(t, l.SetPermitted(ctx, owner, keeper, false))
	ok, _ = l.IsPermitted(ctx, keeper)
	assert.False(t, ok)
	assert.Len(t, events, 2)
}

func TestSetPermitted_NotOwner(t *testing.T) {
	l := New(Config{Owner: owner})
	err := l.SetPermitted(context.Background(), other, other, true)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Empty(t, l.Members())
}

func TestSetPermitted_StoreFailureLeavesListUnchanged(t *testing.T) {
	st := &memStore{failErr: errors.New("disk full")}
	l := New(Config{Owner: owner, Store: st})
	err := l.SetPermitted(context.Background(), owner, keeper, true)
	require.Error(t, err)
	ok, _ := l.IsPermitted(context.Background(), keeper)
	assert.False(t, ok)
}

func TestLoad_MergesAndPersistsBootstrap(t *testing.T) {
	st := &memStore{rows: map[common.Address]bool{other: true}}
	l := New(Config{Owner: owner, Members: []common.Address{keeper}, Store: st})
	require.NoError(t, l.Load(context.Background()))

	assert.ElementsMatch(t, []common.Address{keeper, other}, l.Members())
	assert.True(t, st.rows[keeper])
}

func TestLoad_RevocationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := &memStore{}
	cfg := Config{Owner: owner, Members: []common.Address{keeper, other}, Store: st}

	l := New(cfg)
	require.NoError(t, l.Load(ctx))
	require.NoError(t, l.SetPermitted(ctx, owner, other, false))

	restarted := New(cfg)
	require.NoError(t, restarted.Load(ctx))
	ok, err := restarted.IsPermitted(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, st.rows[other])
	assert.Equal(t, []common.Address{keeper}, restarted.Members())
}

func TestSetOwner(t *testing.T) {
	l := New(Config{Owner: owner})
	l.SetOwner(other)
	assert.ErrorIs(t, l.SetPermitted(context.Background(), owner, keeper, true), ErrNotOwner)
	assert.NoError(t, l.SetPermitted(context.Background(), other, keeper, true))
}
