package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/fixed"
)

var (
	caller = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ts     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestEventString(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{UpdatePosted(fixed.MustParse("1011589290857287007"), caller, ts), "UpdatePosted index=1.011589290857287007"},
		{IndexAlert(fixed.Base, fixed.MustParse("1200000000000000000"), caller, ts), "IndexAlert previous=1.000000000000000000 rejected=1.200000000000000000"},
		{WindowSizeChanged(5, 10, caller, ts), "WindowSizeChanged old=5 new=10"},
		{PermissionChanged(caller, false, caller, ts), "PermissionChanged account=" + caller.Hex() + " allowed=false"},
		{AddressChanged(EventWrappedAddressChanged, common.Address{}, caller, caller, ts),
			"WrappedAddressChanged old=0x0000000000000000000000000000000000000000 new=" + caller.Hex()},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.String())
	}
}

func TestEventJSON_IndicesAreDecimalStrings(t *testing.T) {
	// Larger than float64 can represent exactly.
	big := fixed.MustParse("123456789012345678901234567890")
	data, err := json.Marshal(IndexAlert(fixed.Base, big, caller, ts))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "IndexAlert", raw["kind"])
	assert.Equal(t, "123456789012345678901234567890", raw["index"])
	assert.Equal(t, "1000000000000000000", raw["previous_index"])
	assert.NotContains(t, raw, "old_address")

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	rejected := back.Rejected()
	assert.Equal(t, big.Dec(), rejected.Dec())
	assert.Equal(t, caller, back.Caller)
	assert.True(t, ts.Equal(back.TS))
}

func TestEventJSON_BadIndex(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"kind":"UpdatePosted","index":"1.5"}`), &ev)
	require.Error(t, err)
}

func TestOracleStateJSON(t *testing.T) {
	st := &OracleState{
		Version:       StateVersion,
		Owner:         caller,
		Wrapped:       common.HexToAddress("0xc3"),
		MaxSwing:      fixed.MustParse("1000000000000000"),
		PreviousIndex: fixed.MustParse("1002000000000000000"),
		History: HistorySnapshot{
			Slots:   []fixed.Index{fixed.Base, fixed.MustParse("1002000000000000000"), {}},
			Cursor:  2,
			Filled:  2,
			Updates: 2,
		},
		SavedAt: ts,
	}
	assert.Equal(t, 3, st.WindowSize())

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"slots":["1000000000000000000","1002000000000000000","0"]`)
	assert.Contains(t, string(data), `"owner":"`+caller.Hex()+`"`)

	var back OracleState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, st.History.Cursor, back.History.Cursor)
	assert.Equal(t, st.History.Filled, back.History.Filled)
	assert.Equal(t, st.PreviousIndex.Dec(), back.PreviousIndex.Dec())
	assert.Equal(t, st.Wrapped, back.Wrapped)
}

func TestOracleStateJSON_RejectsUnknownVersion(t *testing.T) {
	var st OracleState
	err := json.Unmarshal([]byte(`{"version":99}`), &st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state version 99")
}

func TestEventSinkFunc(t *testing.T) {
	var got []EventKind
	var sink EventSink = EventSinkFunc(func(ev Event) { got = append(got, ev.Kind) })
	sink.Emit(WindowSizeChanged(1, 2, caller, ts))
	assert.Equal(t, []EventKind{EventWindowSizeChanged}, got)
}
