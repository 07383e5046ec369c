package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool

	LastUpdateTime     time.Time // last update attempt that reached the swing check
	LastAcceptedTime   time.Time
	LastUpdateAccepted bool
	LastError          string

	// StaleAfter marks the service degraded when no update was accepted
	// for this long. Zero disables the check.
	StaleAfter time.Duration

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// RecordUpdate notes the result of one update call.
func (h *HealthStatus) RecordUpdate(at time.Time, accepted bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.LastError = err.Error()
		return
	}
	h.LastError = ""
	h.LastUpdateTime = at
	h.LastUpdateAccepted = accepted
	if accepted {
		h.LastAcceptedTime = at
	}
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status             string  `json:"status"`
	Uptime             string  `json:"uptime"`
	RedisEnabled       bool    `json:"redis_enabled"`
	RedisConnected     bool    `json:"redis_connected"`
	RedisLatencyMs     float64 `json:"redis_latency_ms"`
	SQLiteOK           bool    `json:"sqlite_ok"`
	SQLiteLatencyMs    float64 `json:"sqlite_latency_ms"`
	LastUpdateTime     string  `json:"last_update_time,omitempty"`
	LastUpdateAccepted bool    `json:"last_update_accepted"`
	LastAcceptedAge    string  `json:"last_accepted_age,omitempty"`
	LastError          string  `json:"last_error,omitempty"`
	LastCheckAt        string  `json:"last_check_at,omitempty"`
}

// Report computes the overall status.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := "healthy"
	code := http.StatusOK

	stale := h.StaleAfter > 0 && !h.LastAcceptedTime.IsZero() && now.Sub(h.LastAcceptedTime) > h.StaleAfter
	if !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) || stale || h.LastError != "" {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && (!h.RedisEnabled || !h.RedisConnected) {
		status = "unhealthy"
	}

	r := Report{
		Status:             status,
		Uptime:             now.Sub(h.StartedAt).Round(time.Second).String(),
		RedisEnabled:       h.RedisEnabled,
		RedisConnected:     h.RedisConnected,
		RedisLatencyMs:     h.RedisLatencyMs,
		SQLiteOK:           h.SQLiteOK,
		SQLiteLatencyMs:    h.SQLiteLatencyMs,
		LastUpdateAccepted: h.LastUpdateAccepted,
		LastError:          h.LastError,
	}
	if !h.LastUpdateTime.IsZero() {
		r.LastUpdateTime = h.LastUpdateTime.UTC().Format(time.RFC3339)
	}
	if !h.LastAcceptedTime.IsZero() {
		r.LastAcceptedAge = now.Sub(h.LastAcceptedTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.UTC().Format(time.RFC3339)
	}
	return r, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
