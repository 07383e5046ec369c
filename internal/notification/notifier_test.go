package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

var (
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ts     = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
)

func TestAlertFor(t *testing.T) {
	_, ok := AlertFor(model.UpdatePosted(fixed.Base, keeper, ts))
	assert.False(t, ok, "accepted updates are not alerted")

	a, ok := AlertFor(model.IndexAlert(fixed.Base, fixed.MustParse("1011589290857287007"), keeper, ts))
	require.True(t, ok)
	assert.Equal(t, AlertWarning, a.Level)
	assert.Contains(t, a.Message, "1.011589290857287007")
	assert.Contains(t, a.Message, "1.000000000000000000")

	a, ok = AlertFor(model.WindowSizeChanged(6, 3, keeper, ts))
	require.True(t, ok)
	assert.Equal(t, AlertInfo, a.Level)
	assert.Contains(t, a.Message, "6 -> 3")

	a, ok = AlertFor(model.PermissionChanged(keeper, false, keeper, ts))
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(a.Message, "revoked"))

	a, ok = AlertFor(model.AddressChanged(model.EventOwnershipTransferred, keeper, common.Address{}, keeper, ts))
	require.True(t, ok)
	assert.Equal(t, AlertWarning, a.Level)
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func TestDispatcher_Run(t *testing.T) {
	n := &captureNotifier{err: errors.New("down")}
	d := NewDispatcher(n, time.Second)
	var failures int
	d.OnError = func(error) { failures++ }

	ch := make(chan model.Event, 4)
	ch <- model.UpdatePosted(fixed.Base, keeper, ts)
	ch <- model.IndexAlert(fixed.Base, fixed.FromUint64(1), keeper, ts)
	ch <- model.WindowSizeChanged(6, 4, keeper, ts)
	close(ch)

	d.Run(context.Background(), ch)
	assert.Len(t, n.alerts, 2)
	assert.Equal(t, 2, failures)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &captureNotifier{}
	bad := &captureNotifier{err: errors.New("boom")}
	err := Multi{ok, bad, NewLogNotifier()}.Send(context.Background(), Alert{Title: "t"})
	require.Error(t, err)
	assert.Len(t, ok.alerts, 1)
	assert.Len(t, bad.alerts, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var (
		got  map[string]interface{}
		kind string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind = r.Header.Get(HeaderEventKind)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wrapped := common.HexToAddress("0x00000000000000000000000000000000000000c3").Hex()
	a, _ := AlertFor(model.IndexAlert(fixed.Base, fixed.MustParse("1020000000000000000"), keeper, ts))
	require.NoError(t, NewWebhookNotifier(srv.URL, wrapped).Send(context.Background(), a))

	assert.Equal(t, "IndexAlert", kind)
	assert.Equal(t, wrapped, got["instance"])
	assert.Equal(t, "WARNING", got["level"])
	assert.Equal(t, "IndexAlert", got["kind"])
	assert.Equal(t, keeper.Hex(), got["caller"])
	assert.Equal(t, "1.020000000000000000", got["index"])
	assert.Equal(t, "1.000000000000000000", got["previous_index"])
	assert.Equal(t, "0.020000000000000000", got["deviation_from_previous"])
	assert.NotContains(t, got, "new_address")
	ev, ok := got["event"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1020000000000000000", ev["index"])
}

func TestWebhookNotifier_AddressChange(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	next := common.HexToAddress("0x00000000000000000000000000000000000000d4")
	a, ok := AlertFor(model.AddressChanged(model.EventOwnershipTransferred, keeper, next, keeper, ts))
	require.True(t, ok)
	require.NoError(t, NewWebhookNotifier(srv.URL, "").Send(context.Background(), a))
	assert.Equal(t, keeper.Hex(), got["old_address"])
	assert.Equal(t, next.Hex(), got["new_address"])
	assert.NotContains(t, got, "instance")
	assert.NotContains(t, got, "index")
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL, "").Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier("TOKEN", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(context.Background(), Alert{Level: AlertWarning, Title: "Index 1.0", Message: "x"}))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Contains(t, payload["text"], `Index 1\.0`)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, escapeMarkdown("a_b.c!"))
}
