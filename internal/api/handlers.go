package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wrapped-oracle/internal/allowlist"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/logger"
	"wrapped-oracle/internal/metrics"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/oracle"
	"wrapped-oracle/internal/store/sqlite"
	"wrapped-oracle/internal/swing"
)

const maxBodyBytes = 4096

// IndexValue renders an Index both raw and human-readable.
type IndexValue struct {
	Value     string `json:"value"`
	Formatted string `json:"formatted"`
}

func indexValue(v fixed.Index) IndexValue {
	return IndexValue{Value: v.Dec(), Formatted: fixed.Format(v)}
}

// UpdateResponse is returned by POST /index/update.
type UpdateResponse struct {
	Accepted  bool       `json:"accepted"`
	Candidate IndexValue `json:"candidate"`
	Previous  IndexValue `json:"previous"`
	Average   IndexValue `json:"average"`
	Timestamp time.Time  `json:"timestamp"`
}

// SwingResponse is returned by GET /swing.
type SwingResponse struct {
	Candidate IndexValue  `json:"candidate"`
	Average   *IndexValue `json:"average,omitempty"`
	Deviation *IndexValue `json:"deviation,omitempty"`
	MaxSwing  IndexValue  `json:"max_swing"`
	Accepted  bool        `json:"accepted"`
}

// ConfigResponse is returned by GET /config.
type ConfigResponse struct {
	Owner      common.Address `json:"owner"`
	Underlying common.Address `json:"underlying"`
	Manager    common.Address `json:"manager"`
	Wrapped    common.Address `json:"wrapped"`
	WindowSize int            `json:"window_size"`
	MaxSwing   IndexValue     `json:"max_swing"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	WindowSize int          `json:"window_size"`
	Values     []IndexValue `json:"values"`
	Average    *IndexValue  `json:"average,omitempty"`
	Previous   IndexValue   `json:"previous"`
}

// AddressRequest is the body of the address and owner admin routes.
type AddressRequest struct {
	Address string `json:"address"`
}

// WindowRequest is the body of POST /admin/window.
type WindowRequest struct {
	Size int `json:"size"`
}

// PermissionRequest is the body of POST /admin/allowlist.
type PermissionRequest struct {
	Account string `json:"account"`
	Allowed bool   `json:"allowed"`
}

// AllowlistResponse is returned by GET /allowlist and POST /admin/allowlist.
type AllowlistResponse struct {
	Owner   common.Address   `json:"owner"`
	Members []common.Address `json:"members"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
	WSClients   int    `json:"ws_clients"`
	Seq         int64  `json:"seq"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, err := s.cfg.Oracle.AverageIndex()
	resp := HealthResponse{Status: "ok", Initialized: err == nil}
	if s.cfg.Hub != nil {
		resp.WSClients = s.cfg.Hub.ClientCount()
		resp.Seq = s.cfg.Hub.Seq()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAverage(w http.ResponseWriter, _ *http.Request) {
	avg, err := s.cfg.Oracle.AverageIndex()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexValue(avg))
}

func (s *Server) handlePrevious(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, indexValue(s.cfg.Oracle.PreviousIndex()))
}

func (s *Server) handleUnderlyingPrice(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Oracle.UnderlyingPrice(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexValue(p))
}

func (s *Server) handleWrappedPrice(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Oracle.WrappedPrice(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WrappedPrice.Set(metrics.IndexFloat(p))
	}
	writeJSON(w, http.StatusOK, indexValue(p))
}

func (s *Server) handleSwing(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("candidate")
	candidate, err := fixed.Parse(raw)
	if err != nil {
		writeError(w, fmt.Errorf("%w: candidate: %v", errBadRequest, err))
		return
	}
	resp := SwingResponse{
		Candidate: indexValue(candidate),
		MaxSwing:  indexValue(s.cfg.Oracle.MaxSwing()),
		Accepted:  s.cfg.Oracle.CheckSwing(candidate),
	}
	if avg, err := s.cfg.Oracle.AverageIndex(); err == nil {
		a := indexValue(avg)
		resp.Average = &a
		if dev, err := swing.Deviation(candidate, avg); err == nil {
			d := indexValue(dev)
			resp.Deviation = &d
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Oracle.Settings()
	writeJSON(w, http.StatusOK, ConfigResponse{
		Owner:      st.Owner,
		Underlying: st.Addresses.Underlying,
		Manager:    st.Addresses.Manager,
		Wrapped:    st.Addresses.Wrapped,
		WindowSize: st.WindowSize,
		MaxSwing:   indexValue(st.MaxSwing),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	values := s.cfg.Oracle.History()
	resp := HistoryResponse{
		WindowSize: s.cfg.Oracle.WindowSize(),
		Values:     make([]IndexValue, len(values)),
		Previous:   indexValue(s.cfg.Oracle.PreviousIndex()),
	}
	for i, v := range values {
		resp.Values[i] = indexValue(v)
	}
	if avg, err := s.cfg.Oracle.AverageIndex(); err == nil {
		a := indexValue(avg)
		resp.Average = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAllowlist(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Allowlist == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "allow-list not configured"})
		return
	}
	members := s.cfg.Allowlist.Members()
	if members == nil {
		members = []common.Address{}
	}
	writeJSON(w, http.StatusOK, AllowlistResponse{Owner: s.cfg.Allowlist.Owner(), Members: members})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event journal not configured"})
		return
	}
	q := sqlite.EventQuery{Kind: model.EventKind(r.URL.Query().Get("kind")), Limit: 100}
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: before", errBadRequest))
			return
		}
		q.BeforeID = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit", errBadRequest))
			return
		}
		q.Limit = n
	}

	entries, err := s.cfg.Journal.ReadEvents(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []sqlite.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	caller, _, ok := s.authenticate(w, r, false)
	if !ok {
		return
	}
	if !s.limiter.Allow(caller.Hex()) {
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID("http", s.now()))
	start := time.Now()
	out, err := s.cfg.Oracle.UpdateIndex(ctx, caller)
	s.observeUpdate(out, err, time.Since(start))
	if err != nil {
		slog.Warn("update failed", append(logger.LogWithTrace(ctx),
			slog.String("caller", caller.Hex()), slog.String("error", err.Error()))...)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UpdateResponse{
		Accepted:  out.Accepted,
		Candidate: indexValue(out.Index),
		Previous:  indexValue(out.Previous),
		Average:   indexValue(out.Average),
		Timestamp: out.Timestamp.UTC(),
	})
}

func (s *Server) observeUpdate(out model.UpdateOutcome, err error, took time.Duration) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	switch {
	case errors.Is(err, oracle.ErrNotAuthorized):
		m.ObserveUpdate(metrics.OutcomeUnauthorized, took)
	case err != nil:
		m.ObserveUpdate(metrics.OutcomeError, took)
	case out.Accepted:
		m.ObserveUpdate(metrics.OutcomeAccepted, took)
	default:
		m.ObserveUpdate(metrics.OutcomeRejected, took)
	}
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	caller, body, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	ctx := r.Context()
	o := s.cfg.Oracle

	var err error
	switch field := r.PathValue("field"); field {
	case "underlying", "manager", "wrapped", "owner":
		var req AddressRequest
		addr, perr := decodeAddress(body, &req)
		if perr != nil {
			writeError(w, perr)
			return
		}
		switch field {
		case "underlying":
			err = o.SetUnderlyingAddress(ctx, caller, addr)
		case "manager":
			err = o.SetManagerAddress(ctx, caller, addr)
		case "wrapped":
			err = o.SetWrappedAddress(ctx, caller, addr)
		case "owner":
			err = o.TransferOwnership(ctx, caller, addr)
		}
	case "window":
		var req WindowRequest
		if jerr := json.Unmarshal(body, &req); jerr != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, jerr))
			return
		}
		err = o.SetWindowSize(ctx, caller, req.Size)
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown admin field " + field})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleConfig(w, r)
}

func (s *Server) handleSetPermitted(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Allowlist == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "allow-list not configured"})
		return
	}
	caller, body, ok := s.authenticate(w, r, true)
	if !ok {
		return
	}
	var req PermissionRequest
	if err := json.Unmarshal(body, &req); err != nil || !common.IsHexAddress(req.Account) {
		writeError(w, fmt.Errorf("%w: account", errBadRequest))
		return
	}
	if err := s.cfg.Allowlist.SetPermitted(r.Context(), caller, common.HexToAddress(req.Account), req.Allowed); err != nil {
		writeError(w, err)
		return
	}
	s.handleAllowlist(w, r)
}

// authenticate reads the body and verifies the request signature, plus the
// owner TOTP code on admin routes. It writes the error response itself.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, admin bool) (common.Address, []byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "body too large"})
		return common.Address{}, nil, false
	}
	caller, err := s.cfg.Verifier.Verify(r, body)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
		return common.Address{}, nil, false
	}
	if admin {
		if err := auth.CheckTOTP(s.cfg.TOTPSecret, r.Header.Get(auth.HeaderTOTP), s.now()); err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return common.Address{}, nil, false
		}
	}
	return caller, body, true
}

func decodeAddress(body []byte, req *AddressRequest) (common.Address, error) {
	if err := json.Unmarshal(body, req); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if !common.IsHexAddress(req.Address) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, req.Address)
	}
	return common.HexToAddress(req.Address), nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, oracle.ErrNotAuthorized),
		errors.Is(err, oracle.ErrNotOwner),
		errors.Is(err, allowlist.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrUninitialized):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrArithmetic):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, oracle.ErrInvalidWindowSize),
		errors.Is(err, oracle.ErrZeroOwner):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
