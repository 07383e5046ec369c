// Package api provides the HTTP and websocket surface of the oracle.
package api

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"wrapped-oracle/internal/allowlist"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/metrics"
	"wrapped-oracle/internal/oracle"
	"wrapped-oracle/internal/store/sqlite"
)

// EventReader serves the /events endpoint, normally the sqlite journal.
type EventReader interface {
	ReadEvents(ctx context.Context, q sqlite.EventQuery) ([]sqlite.JournalEntry, error)
}

// Config wires the server to its collaborators. Journal, Metrics and
// Hub are optional.
type Config struct {
	Oracle      *oracle.Oracle
	Allowlist   *allowlist.List
	Journal     EventReader
	Hub         *Hub
	Metrics     *metrics.Metrics
	Verifier    *auth.Verifier
	TOTPSecret  string
	UpdateRate  float64 // update requests per second per caller
	UpdateBurst int
}

// Server holds the route handlers.
type Server struct {
	cfg     Config
	limiter *callerLimiter
	now     func() time.Time
}

// NewServer builds a Server; a nil Verifier gets a one-minute window.
func NewServer(cfg Config) *Server {
	if cfg.Verifier == nil {
		cfg.Verifier = auth.NewVerifier(time.Minute)
	}
	return &Server{
		cfg:     cfg,
		limiter: newCallerLimiter(cfg.UpdateRate, cfg.UpdateBurst),
		now:     time.Now,
	}
}

// NewRouter sets up HTTP routes for the API server.
func (s *Server) NewRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Reads
	mux.HandleFunc("GET /api/v1/index/average", s.handleAverage)
	mux.HandleFunc("GET /api/v1/index/previous", s.handlePrevious)
	mux.HandleFunc("GET /api/v1/price/underlying", s.handleUnderlyingPrice)
	mux.HandleFunc("GET /api/v1/price/wrapped", s.handleWrappedPrice)
	mux.HandleFunc("GET /api/v1/swing", s.handleSwing)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/allowlist", s.handleAllowlist)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Signed writes
	mux.HandleFunc("POST /api/v1/index/update", s.handleUpdate)
	mux.HandleFunc("POST /api/v1/admin/allowlist", s.handleSetPermitted)
	mux.HandleFunc("POST /api/v1/admin/{field}", s.handleAdmin)

	if s.cfg.Hub != nil {
		mux.Handle("GET /ws", s.cfg.Hub)
	}

	return s.instrument(mux)
}

// instrument sets CORS headers and counts requests by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.cfg.Metrics != nil {
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			s.cfg.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
	})
}

// setCORS sets CORS headers for REST endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+
		auth.HeaderCaller+", "+auth.HeaderTimestamp+", "+auth.HeaderNonce+", "+auth.HeaderSignature+", "+auth.HeaderTOTP)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
