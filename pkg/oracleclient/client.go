// Package oracleclient is a Go client for the oracle HTTP API.
//
// Reads are plain GETs. Writes are signed with the caller's secp256k1 key;
// admin writes also carry the owner's current TOTP code when a secret is set.
//
//	c, err := oracleclient.New(oracleclient.Config{BaseURL: "http://localhost:8080", Key: key})
//	if err != nil { log.Fatal(err) }
//	out, err := c.Update(ctx)
//	fmt.Println(out.Accepted, out.Candidate.Formatted)
package oracleclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"wrapped-oracle/internal/api"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/store/sqlite"
)

const apiPrefix = "/api/v1"

// ErrNoKey is returned by signed calls on a client built without a key.
var ErrNoKey = errors.New("oracleclient: signing key required")

// Config configures a Client.
type Config struct {
	BaseURL    string            // default: http://localhost:8080
	Key        *ecdsa.PrivateKey // signs writes; reads work without it
	TOTPSecret string            // owner TOTP secret for admin routes
	Timeout    time.Duration     // default: 10s
}

// Client talks to one oracle instance.
type Client struct {
	baseURL    *url.URL
	key        *ecdsa.PrivateKey
	totpSecret string
	httpClient *http.Client
	now        func() time.Time
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oracle api: %d %s", e.Status, e.Message)
}

// StatusCode returns the HTTP status of err if it is an *APIError, else 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("oracleclient: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("oracleclient: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		baseURL:    u,
		key:        cfg.Key,
		totpSecret: cfg.TOTPSecret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}, nil
}

// Address is the caller address of the signing key.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(c.key.PublicKey)
}

// ---- Reads ----

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	return &out, c.get(ctx, "/health", nil, &out)
}

// AverageIndex returns the moving average of accepted indices.
func (c *Client) AverageIndex(ctx context.Context) (fixed.Index, error) {
	return c.getIndex(ctx, "/index/average")
}

func (c *Client) PreviousIndex(ctx context.Context) (fixed.Index, error) {
	return c.getIndex(ctx, "/index/previous")
}

func (c *Client) UnderlyingPrice(ctx context.Context) (fixed.Index, error) {
	return c.getIndex(ctx, "/price/underlying")
}

func (c *Client) WrappedPrice(ctx context.Context) (fixed.Index, error) {
	return c.getIndex(ctx, "/price/wrapped")
}

// Swing asks whether candidate would pass the swing check right now.
func (c *Client) Swing(ctx context.Context, candidate fixed.Index) (*api.SwingResponse, error) {
	var out api.SwingResponse
	q := url.Values{"candidate": {candidate.Dec()}}
	return &out, c.get(ctx, "/swing", q, &out)
}

func (c *Client) Config(ctx context.Context) (*api.ConfigResponse, error) {
	var out api.ConfigResponse
	return &out, c.get(ctx, "/config", nil, &out)
}

func (c *Client) History(ctx context.Context) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	return &out, c.get(ctx, "/history", nil, &out)
}

func (c *Client) Allowlist(ctx context.Context) (*api.AllowlistResponse, error) {
	var out api.AllowlistResponse
	return &out, c.get(ctx, "/allowlist", nil, &out)
}

// EventFilter selects journaled events. Zero values mean "any".
type EventFilter struct {
	Kind     model.EventKind
	BeforeID int64
	Limit    int
}

// Events reads the event journal, newest first.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]sqlite.JournalEntry, error) {
	q := url.Values{}
	if f.Kind != "" {
		q.Set("kind", string(f.Kind))
	}
	if f.BeforeID > 0 {
		q.Set("before", strconv.FormatInt(f.BeforeID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []sqlite.JournalEntry
	if err := c.get(ctx, "/events", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- Signed writes ----

// Update asks the oracle to pull a fresh index as this client's address.
func (c *Client) Update(ctx context.Context) (*api.UpdateResponse, error) {
	var out api.UpdateResponse
	return &out, c.post(ctx, "/index/update", nil, false, &out)
}

func (c *Client) SetUnderlyingAddress(ctx context.Context, addr common.Address) (*api.ConfigResponse, error) {
	return c.setAddress(ctx, "underlying", addr)
}

func (c *Client) SetManagerAddress(ctx context.Context, addr common.Address) (*api.ConfigResponse, error) {
	return c.setAddress(ctx, "manager", addr)
}

func (c *Client) SetWrappedAddress(ctx context.Context, addr common.Address) (*api.ConfigResponse, error) {
	return c.setAddress(ctx, "wrapped", addr)
}

func (c *Client) TransferOwnership(ctx context.Context, newOwner common.Address) (*api.ConfigResponse, error) {
	return c.setAddress(ctx, "owner", newOwner)
}

func (c *Client) SetWindowSize(ctx context.Context, n int) (*api.ConfigResponse, error) {
	var out api.ConfigResponse
	return &out, c.post(ctx, "/admin/window", api.WindowRequest{Size: n}, true, &out)
}

// SetPermitted adds or removes account from the update allow-list.
func (c *Client) SetPermitted(ctx context.Context, account common.Address, allowed bool) (*api.AllowlistResponse, error) {
	var out api.AllowlistResponse
	req := api.PermissionRequest{Account: account.Hex(), Allowed: allowed}
	return &out, c.post(ctx, "/admin/allowlist", req, true, &out)
}

func (c *Client) setAddress(ctx context.Context, field string, addr common.Address) (*api.ConfigResponse, error) {
	var out api.ConfigResponse
	return &out, c.post(ctx, "/admin/"+field, api.AddressRequest{Address: addr.Hex()}, true, &out)
}

// ---- Streaming ----

// Watch streams event envelopes from /ws to fn until ctx is cancelled or
// fn returns an error. since >= 0 replays buffered envelopes after that seq.
func (c *Client) Watch(ctx context.Context, since int64, fn func(api.Envelope) error) error {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	if since >= 0 {
		u.RawQuery = url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("oracleclient: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("oracleclient: read: %w", err)
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// ---- Plumbing ----

func (c *Client) getIndex(ctx context.Context, path string) (fixed.Index, error) {
	var v api.IndexValue
	if err := c.get(ctx, path, nil, &v); err != nil {
		return fixed.Index{}, err
	}
	return fixed.Parse(v.Value)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in interface{}, admin bool, out interface{}) error {
	if c.key == nil {
		return ErrNoKey
	}
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("oracleclient: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	now := c.now()
	if err := auth.SignRequest(req, c.key, body, now); err != nil {
		return err
	}
	if admin && c.totpSecret != "" {
		code, err := auth.TOTPCode(c.totpSecret, now)
		if err != nil {
			return fmt.Errorf("oracleclient: totp: %w", err)
		}
		req.Header.Set(auth.HeaderTOTP, code)
	}
	return c.do(req, out)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path += apiPrefix + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracleclient: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("oracleclient: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("oracleclient: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
