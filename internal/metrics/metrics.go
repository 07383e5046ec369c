package metrics

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/model"
)

// Update outcomes used as the "outcome" label.
const (
	OutcomeAccepted     = "accepted"
	OutcomeRejected     = "rejected"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
)

// Metrics holds all Prometheus metrics for the oracle service.
type Metrics struct {
	UpdatesTotal   *prometheus.CounterVec // labels: outcome
	UpdateDuration prometheus.Histogram
	ErrorsTotal    *prometheus.CounterVec // labels: kind

	AverageIndex  prometheus.Gauge
	PreviousIndex prometheus.Gauge
	WrappedPrice  prometheus.Gauge
	WindowSize    prometheus.Gauge
	WindowFill    prometheus.Gauge

	AdminChanges *prometheus.CounterVec // labels: kind

	// Backpressure
	EventDropsTotal      *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	JournalCommitDur prometheus.Histogram
	NotifyErrors     prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Counter

	KeeperRuns   *prometheus.CounterVec // labels: result
	HTTPRequests *prometheus.CounterVec // labels: route, code
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_updates_total",
			Help: "Index update attempts by outcome",
		}, []string{"outcome"}),
		UpdateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_update_duration_seconds",
			Help:    "Latency of one update call including rate source reads",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_errors_total",
			Help: "Update errors by kind",
		}, []string{"kind"}),

		AverageIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_average_index",
			Help: "Moving average of accepted indices",
		}),
		PreviousIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_previous_index",
			Help: "Last accepted index",
		}),
		WrappedPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_wrapped_price",
			Help: "Last computed wrapped asset price",
		}),
		WindowSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_window_size",
			Help: "History window capacity",
		}),
		WindowFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_window_fill",
			Help: "Populated history slots",
		}),

		AdminChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_admin_changes_total",
			Help: "Owner reconfigurations and allow-list changes by event kind",
		}, []string{"kind"}),

		EventDropsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_event_drops_total",
			Help: "Events dropped by the bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		JournalCommitDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_sqlite_journal_commit_duration_seconds",
			Help:    "SQLite event journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		NotifyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "oracle_notify_errors_total",
			Help: "Alert deliveries that failed",
		}),

		RedisCircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "oracle_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "oracle_redis_buffered_events_total",
			Help: "Events buffered locally while the Redis circuit breaker was open",
		}),

		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_keeper_runs_total",
			Help: "Scheduled keeper runs by result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// ObserveUpdate records one update attempt.
func (m *Metrics) ObserveUpdate(outcome string, took time.Duration) {
	m.UpdatesTotal.WithLabelValues(outcome).Inc()
	m.UpdateDuration.Observe(took.Seconds())
}

// ObserveEvent counts reconfiguration events; update events are counted by ObserveUpdate.
func (m *Metrics) ObserveEvent(ev model.Event) {
	switch ev.Kind {
	case model.EventUpdatePosted, model.EventIndexAlert:
		return
	}
	m.AdminChanges.WithLabelValues(string(ev.Kind)).Inc()
}

// Run consumes bus events until ctx is cancelled or eventCh is closed.
func (m *Metrics) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			m.ObserveEvent(ev)
		}
	}
}

// SetIndexGauges publishes the current average and previous index.
func (m *Metrics) SetIndexGauges(average, previous fixed.Index, filled, capacity int) {
	m.AverageIndex.Set(IndexFloat(average))
	m.PreviousIndex.Set(IndexFloat(previous))
	m.WindowFill.Set(float64(filled))
	m.WindowSize.Set(float64(capacity))
}

var baseFloat = new(big.Float).SetInt(fixed.Base.ToBig())

// IndexFloat converts an 18-decimal index to float64 for gauges only.
func IndexFloat(v fixed.Index) float64 {
	f := new(big.Float).SetInt(v.ToBig())
	out, _ := f.Quo(f, baseFloat).Float64()
	return out
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
