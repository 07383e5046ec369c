package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrapped-oracle/internal/allowlist"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/metrics"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/oracle"
	"wrapped-oracle/internal/source"
	"wrapped-oracle/internal/store/sqlite"
)

var supply = fixed.MustParse("1000000000000000000000")

type env struct {
	srv      *httptest.Server
	hub      *Hub
	src      *source.Static
	metrics  *metrics.Metrics
	owner    *ecdsa.PrivateKey
	keeper   *ecdsa.PrivateKey
	stranger *ecdsa.PrivateKey
	secret   string
}

func addr(k *ecdsa.PrivateKey) common.Address { return ethcrypto.PubkeyToAddress(k.PublicKey) }

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func newEnv(t *testing.T, journal EventReader, rate float64, burst int) *env {
	t.Helper()
	e := &env{
		hub:      NewHub(64),
		src:      source.NewStatic(supply, supply, fixed.MustParse("950000000000000000")),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
		owner:    newKey(t),
		keeper:   newKey(t),
		stranger: newKey(t),
	}
	secret, _, err := auth.GenerateTOTP("wrapped-oracle", "owner")
	require.NoError(t, err)
	e.secret = secret

	sink := model.EventSinkFunc(e.hub.Broadcast)
	list := allowlist.New(allowlist.Config{Owner: addr(e.owner), Members: []common.Address{addr(e.keeper)}, Sink: sink})
	o, err := oracle.New(oracle.Config{
		Owner:      addr(e.owner),
		Addresses:  model.Addresses{Wrapped: common.HexToAddress("0xc3")},
		WindowSize: 3,
		Gate:       list,
		Source:     e.src,
		Sink:       sink,

		OnOwnerChange: list.SetOwner,
	})
	require.NoError(t, err)

	s := NewServer(Config{
		Oracle:      o,
		Allowlist:   list,
		Journal:     journal,
		Hub:         e.hub,
		Metrics:     e.metrics,
		TOTPSecret:  secret,
		UpdateRate:  rate,
		UpdateBurst: burst,
	})
	e.srv = httptest.NewServer(s.NewRouter())
	t.Cleanup(func() {
		e.hub.Close()
		e.srv.Close()
	})
	return e
}

// do sends a request; key signs it when non-nil and totp adds the owner code.
func (e *env) do(t *testing.T, method, path string, body interface{}, key *ecdsa.PrivateKey, totp bool) (int, map[string]interface{}) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	if key != nil {
		require.NoError(t, auth.SignRequest(req, key, raw, time.Now()))
	}
	if totp {
		code, err := auth.TOTPCode(e.secret, time.Now())
		require.NoError(t, err)
		req.Header.Set(auth.HeaderTOTP, code)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func formatted(t *testing.T, v interface{}) string {
	t.Helper()
	m, ok := v.(map[string]interface{})
	require.True(t, ok, "expected index object, got %v", v)
	return m["formatted"].(string)
}

func TestReads_BeforeFirstUpdate(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	code, body := e.do(t, http.MethodGet, "/api/v1/index/average", nil, nil, false)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "no accepted index")

	code, body = e.do(t, http.MethodGet, "/api/v1/index/previous", nil, nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", body["value"])

	code, _ = e.do(t, http.MethodGet, "/api/v1/price/wrapped", nil, nil, false)
	assert.Equal(t, http.StatusConflict, code)

	code, body = e.do(t, http.MethodGet, "/api/v1/price/underlying", nil, nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.950000000000000000", body["formatted"])

	code, body = e.do(t, http.MethodGet, "/api/v1/health", nil, nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["initialized"])

	code, body = e.do(t, http.MethodGet, "/api/v1/config", nil, nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, strings.ToLower(addr(e.owner).Hex()), strings.ToLower(body["owner"].(string)))
	assert.Equal(t, 3.0, body["window_size"])
	assert.Equal(t, "0.001000000000000000", formatted(t, body["max_swing"]))
}

func TestUpdate_SignedByKeeper(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	code, body := e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "1.000000000000000000", formatted(t, body["candidate"]))

	code, body = e.do(t, http.MethodGet, "/api/v1/price/wrapped", nil, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "950000000000000000", body["value"])

	code, body = e.do(t, http.MethodGet, "/api/v1/history", nil, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["values"], 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.UpdatesTotal.WithLabelValues(metrics.OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.HTTPRequests.WithLabelValues("POST /api/v1/index/update", "200")))
}

func TestUpdate_ReplayedRequestUnauthorized(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/index/update", nil)
	require.NoError(t, err)
	require.NoError(t, auth.SignRequest(req, e.keeper, nil, time.Now()))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	replay, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/index/update", nil)
	require.NoError(t, err)
	replay.Header = req.Header.Clone()
	resp, err = http.DefaultClient.Do(replay)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, body := e.do(t, http.MethodGet, "/api/v1/history", nil, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["values"], 1)
}

func TestUpdate_Rejections(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	code, _ := e.do(t, http.MethodPost, "/api/v1/index/update", nil, nil, false)
	assert.Equal(t, http.StatusUnauthorized, code, "unsigned")

	code, body := e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.stranger, false)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_AUTHORIZED", body["error"])

	// A swing rejection is a successful call with accepted=false.
	e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	e.src.SetTotalAssets(fixed.MustParse("1100000000000000000000"))
	code, body = e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["accepted"])

	e.src.SetError(errors.New("rpc down"))
	code, _ = e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	assert.Equal(t, http.StatusBadGateway, code)

	e.src.SetError(nil)
	e.src.SetTotalSupply(fixed.Zero())
	code, _ = e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestUpdate_RateLimited(t *testing.T) {
	e := newEnv(t, nil, 0.001, 1)

	code, _ := e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestAdmin_Window(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	code, _ := e.do(t, http.MethodPost, "/api/v1/admin/window", WindowRequest{Size: 5}, e.owner, false)
	assert.Equal(t, http.StatusUnauthorized, code, "missing TOTP")

	code, body := e.do(t, http.MethodPost, "/api/v1/admin/window", WindowRequest{Size: 5}, e.keeper, true)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, body["error"], "not the owner")

	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/window", WindowRequest{Size: 0}, e.owner, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodPost, "/api/v1/admin/window", WindowRequest{Size: 5}, e.owner, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 5.0, body["window_size"])
}

func TestAdmin_AddressesAndOwner(t *testing.T) {
	e := newEnv(t, nil, 10, 100)
	target := "0x5326E71Ff593Ecc2CF7AcaE5Fe57582D6e74CFF1"

	for _, field := range []string{"underlying", "manager", "wrapped"} {
		code, body := e.do(t, http.MethodPost, "/api/v1/admin/"+field, AddressRequest{Address: target}, e.owner, true)
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, strings.ToLower(target), strings.ToLower(body[field].(string)))
	}

	code, _ := e.do(t, http.MethodPost, "/api/v1/admin/manager", AddressRequest{Address: "nope"}, e.owner, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/unknown", AddressRequest{Address: target}, e.owner, true)
	assert.Equal(t, http.StatusNotFound, code)

	newOwner := addr(e.stranger).Hex()
	code, body := e.do(t, http.MethodPost, "/api/v1/admin/owner", AddressRequest{Address: newOwner}, e.owner, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, strings.ToLower(newOwner), strings.ToLower(body["owner"].(string)))

	// Old owner lost its rights on both the oracle and the allow-list.
	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/window", WindowRequest{Size: 4}, e.owner, true)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/allowlist", PermissionRequest{Account: newOwner, Allowed: true}, e.owner, true)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAdmin_Allowlist(t *testing.T) {
	e := newEnv(t, nil, 10, 100)
	strangerHex := addr(e.stranger).Hex()

	code, body := e.do(t, http.MethodPost, "/api/v1/admin/allowlist", PermissionRequest{Account: strangerHex, Allowed: true}, e.owner, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["members"], 2)

	code, _ = e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.stranger, false)
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/api/v1/admin/allowlist", PermissionRequest{Account: "zz"}, e.owner, true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSwing(t *testing.T) {
	e := newEnv(t, nil, 10, 100)

	code, body := e.do(t, http.MethodGet, "/api/v1/swing?candidate=1010000000000000000", nil, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["accepted"], "no history yet")

	e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)

	code, body = e.do(t, http.MethodGet, "/api/v1/swing?candidate=1010000000000000000", nil, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "0.010000000000000000", formatted(t, body["deviation"]))

	code, _ = e.do(t, http.MethodGet, "/api/v1/swing?candidate=abc", nil, nil, false)
	assert.Equal(t, http.StatusBadRequest, code)
}

type fakeJournal struct {
	got     sqlite.EventQuery
	entries []sqlite.JournalEntry
}

func (f *fakeJournal) ReadEvents(_ context.Context, q sqlite.EventQuery) ([]sqlite.JournalEntry, error) {
	f.got = q
	return f.entries, nil
}

func TestEvents(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &fakeJournal{entries: []sqlite.JournalEntry{{ID: 7, Event: model.UpdatePosted(fixed.Base, common.Address{}, ts)}}}
	e := newEnv(t, j, 10, 100)

	resp, err := http.Get(e.srv.URL + "/api/v1/events?kind=UpdatePosted&limit=5&before=9")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []sqlite.JournalEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ID)
	assert.Equal(t, model.EventUpdatePosted, entries[0].Event.Kind)
	assert.Equal(t, sqlite.EventQuery{Kind: model.EventUpdatePosted, BeforeID: 9, Limit: 5}, j.got)

	code, _ := e.do(t, http.MethodGet, "/api/v1/events?limit=-1", nil, nil, false)
	assert.Equal(t, http.StatusBadRequest, code)

	noJournal := newEnv(t, nil, 10, 100)
	code, _ = noJournal.do(t, http.MethodGet, "/api/v1/events", nil, nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestWebsocket_StreamsEvents(t *testing.T) {
	e := newEnv(t, nil, 10, 100)
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	code, _ := e.do(t, http.MethodPost, "/api/v1/index/update", nil, e.keeper, false)
	require.Equal(t, http.StatusOK, code)

	env := readEnvelope(t, conn)
	assert.Equal(t, int64(1), env.Seq)
	assert.Equal(t, model.EventUpdatePosted, env.Event.Kind)
	assert.Equal(t, addr(e.keeper), env.Event.Caller)
}

func TestWebsocket_ReplaySince(t *testing.T) {
	e := newEnv(t, nil, 10, 100)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		e.hub.Broadcast(model.WindowSizeChanged(i, i+1, common.Address{}, ts))
	}

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?since=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, int64(2), readEnvelope(t, conn).Seq)
	assert.Equal(t, int64(3), readEnvelope(t, conn).Seq)
}

func TestReplayBuffer_Wraps(t *testing.T) {
	rb := NewReplayBuffer(3)
	for i := int64(1); i <= 5; i++ {
		rb.Push(i, []byte{byte(i)})
	}
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, [][]byte{{3}, {4}, {5}}, rb.Since(0))
	assert.Equal(t, [][]byte{{5}}, rb.Since(4))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(oracle.ErrNotOwner))
	assert.Equal(t, http.StatusForbidden, statusFor(allowlist.ErrNotOwner))
	assert.Equal(t, http.StatusConflict, statusFor(oracle.ErrUninitialized))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(oracle.ErrArithmetic))
	assert.Equal(t, http.StatusBadRequest, statusFor(oracle.ErrZeroOwner))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("rpc")))
}
