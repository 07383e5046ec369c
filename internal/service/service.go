// Package service wires the oracle, its stores and its outer surfaces into
// one process.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/go-redis/redis/v8"

	"wrapped-oracle/config"
	"wrapped-oracle/internal/allowlist"
	"wrapped-oracle/internal/api"
	"wrapped-oracle/internal/auth"
	"wrapped-oracle/internal/events"
	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/keeper"
	"wrapped-oracle/internal/metrics"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/notification"
	"wrapped-oracle/internal/oracle"
	"wrapped-oracle/internal/source"
	redisstore "wrapped-oracle/internal/store/redis"
	sqlitestore "wrapped-oracle/internal/store/sqlite"
)

const (
	busBufferSize       = 1024
	replayBufferSize    = 256
	snapshotInterval    = 30 * time.Second
	saturationInterval  = 5 * time.Second
	livenessInterval    = 15 * time.Second
	notifyTimeout       = 10 * time.Second
	keeperBackoff       = 2 * time.Second
	redisMaxFailures    = 5
	redisResetTimeout   = 10 * time.Second
	redisMaxBuffered    = 10000
	shutdownGracePeriod = 5 * time.Second
	updateBurst         = 3
)

// Options are process-level collaborators that do not come from the
// environment. Zero values select production defaults.
type Options struct {
	Registerer prometheus.Registerer // defaults to prometheus.DefaultRegisterer
	Source     model.RateSource      // overrides the configured rate source
}

// Service is the top-level orchestrator for the oracle daemon.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	oracle *oracle.Oracle
	list   *allowlist.List
	bus    *events.Bus
	hub    *api.Hub
	keeper *keeper.Keeper
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	sqlWriter   *sqlitestore.Writer
	sqlReader   *sqlitestore.Reader
	redisWriter *redisstore.Writer
	breaker     *redisstore.CircuitBreaker

	handler http.Handler

	// bus subscriptions, taken in New so no event is missed
	journalCh <-chan model.Event
	redisCh   <-chan model.Event
	notifyCh  <-chan model.Event
	wsCh      <-chan model.Event
	metricsCh <-chan model.Event
	healthCh  <-chan model.Event

	consumers sync.WaitGroup
}

// New connects the stores, restores the oracle and builds every subsystem.
// Nothing runs until Run is called.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	svc := &Service{
		cfg:    cfg,
		bus:    events.New(busBufferSize),
		hub:    api.NewHub(replayBufferSize),
		prom:   metrics.NewMetrics(opts.Registerer),
		health: metrics.NewHealthStatus(),
	}
	svc.bus.OnDrop = func(name string, ev model.Event) {
		svc.prom.EventDropsTotal.WithLabelValues(name).Inc()
		log.Printf("[oracled] subscriber %s full, dropped %s", name, ev.Kind)
	}
	// ---- Open SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	var err error
	svc.sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("sqlite writer: %w", err)
	}
	svc.sqlWriter.OnBatch = func(n int, took time.Duration, err error) {
		svc.prom.JournalCommitDur.Observe(took.Seconds())
		if err != nil {
			svc.prom.ErrorsTotal.WithLabelValues("journal").Inc()
		}
	}
	svc.sqlReader, err = sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		svc.sqlWriter.Close()
		return nil, fmt.Errorf("sqlite reader: %w", err)
	}
	svc.health.SetSQLiteOK(true)

	// ---- Connect to Redis (optional) ----
	svc.health.SetRedisEnabled(cfg.RedisEnabled())
	if cfg.RedisEnabled() {
		svc.redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[oracled] WARNING: redis unavailable: %v (continuing with SQLite only)", err)
			svc.redisWriter = nil
		}
	}
	svc.subscribe()

	src := opts.Source
	if src == nil {
		src, err = buildSource(cfg)
		if err != nil {
			svc.closeStores()
			return nil, err
		}
	}

	if err := svc.buildOracle(context.Background(), src); err != nil {
		svc.closeStores()
		return nil, err
	}

	if cfg.Keeper != (common.Address{}) {
		svc.keeper, err = keeper.New(keeper.Config{
			Schedule: cfg.UpdateSchedule,
			Caller:   cfg.Keeper,
			Timeout:  cfg.UpdateTimeout,
			Retries:  cfg.KeeperRetries,
			Backoff:  keeperBackoff,
		}, svc.oracle)
		if err != nil {
			svc.closeStores()
			return nil, err
		}
		svc.keeper.OnRun = svc.onKeeperRun
	}

	srv := api.NewServer(api.Config{
		Oracle:      svc.oracle,
		Allowlist:   svc.list,
		Journal:     svc.sqlReader,
		Hub:         svc.hub,
		Metrics:     svc.prom,
		Verifier:    auth.NewVerifier(cfg.SignatureMaxAge),
		TOTPSecret:  cfg.OwnerTOTPSecret,
		UpdateRate:  cfg.UpdateRatePerSec,
		UpdateBurst: updateBurst,
	})
	svc.handler = srv.NewRouter()

	return svc, nil
}

// subscribe registers every bus consumer before anything can emit.
func (svc *Service) subscribe() {
	svc.journalCh = svc.bus.Subscribe("journal")
	if svc.redisWriter != nil {
		svc.redisCh = svc.bus.Subscribe("redis")
	}
	svc.notifyCh = svc.bus.Subscribe("notify")
	svc.wsCh = svc.bus.Subscribe("ws")
	svc.metricsCh = svc.bus.Subscribe("metrics")
	svc.healthCh = svc.bus.Subscribe("health")
}

// buildSource picks the rate source: an EVM endpoint when configured,
// otherwise the simulated vault in staging mode.
func buildSource(cfg *config.Config) (model.RateSource, error) {
	if cfg.EVMRPCURL != "" {
		client, err := source.Dial(cfg.EVMRPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial evm rpc: %w", err)
		}
		log.Printf("[oracled] reading rates from %s", cfg.EVMRPCURL)
		return source.NewEVM(client, cfg.AumDecimals)
	}
	if cfg.StagingMode {
		log.Println("[oracled] STAGING_MODE: using simulated vault")
		supply := fixed.MustParse("1000000000000000000000000") // 1e6 units
		// 1 bp of yield per read keeps every step inside the default band.
		return source.NewSimulated(supply, fixed.Base, fixed.MustParse("100000000000000")), nil
	}
	return nil, errors.New("no rate source: set EVM_RPC_URL or STAGING_MODE=true")
}

// buildOracle restores persisted state and builds the allow-list and oracle.
func (svc *Service) buildOracle(ctx context.Context, src model.RateSource) error {
	cfg := svc.cfg
	restored := svc.restoreState(ctx)

	owner := cfg.Owner
	if restored != nil {
		owner = restored.Owner
	}
	members := append([]common.Address(nil), cfg.Allowlist...)
	if cfg.Keeper != (common.Address{}) {
		members = append(members, cfg.Keeper)
	}
	svc.list = allowlist.New(allowlist.Config{
		Owner:   owner,
		Members: members,
		Store:   svc.sqlWriter,
		Sink:    svc.bus,
	})
	if err := svc.list.Load(ctx); err != nil {
		return err
	}

	var err error
	svc.oracle, err = oracle.New(oracle.Config{
		Owner: cfg.Owner,
		Addresses: model.Addresses{
			Underlying: cfg.Underlying,
			Manager:    cfg.Manager,
			Wrapped:    cfg.Wrapped,
		},
		WindowSize: cfg.WindowSize,
		MaxSwing:   cfg.MaxSwing,
		Gate:       svc.list,
		Source:     src,
		Sink:       svc.bus,
		Store:      svc.sqlWriter,
		Restore:    restored,

		OnOwnerChange: svc.list.SetOwner,
	})
	if err != nil {
		return err
	}
	svc.list.SetOwner(svc.oracle.Owner())
	svc.refreshGauges()
	return nil
}

// restoreState returns the freshest persisted state: the Redis snapshot
// unless SQLite holds a later write, nil on a cold start.
func (svc *Service) restoreState(ctx context.Context) *model.OracleState {
	var snap *model.OracleState
	if svc.redisWriter != nil {
		var err error
		snap, err = svc.redisWriter.LoadSnapshot(ctx)
		if err != nil {
			log.Printf("[oracled] redis snapshot read error: %v", err)
		}
	}

	stored, err := svc.sqlWriter.LoadState(ctx)
	if err != nil {
		log.Printf("[oracled] sqlite state read error: %v", err)
	}
	if stored != nil && (snap == nil || stored.SavedAt.After(snap.SavedAt)) {
		snap = stored
	}

	if snap == nil {
		log.Println("[oracled] no persisted state, starting cold")
		return nil
	}
	log.Printf("[oracled] restored state saved at %s (%d/%d filled, %d updates)",
		snap.SavedAt.Format(time.RFC3339), snap.History.Filled, snap.WindowSize(), snap.History.Updates)
	return snap
}

// Handler returns the API router.
func (svc *Service) Handler() http.Handler { return svc.handler }

// Oracle returns the wired oracle.
func (svc *Service) Oracle() *oracle.Oracle { return svc.oracle }

// Health returns the health status fed by the service.
func (svc *Service) Health() *metrics.HealthStatus { return svc.health }

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[oracled] starting wrapped-asset oracle...")

	// ---- Bus consumers ----
	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	svc.startConsumers(consumerCtx)

	// ---- Metrics + health ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, svc.health)
	metricsSrv.Start()
	svc.health.StartLivenessChecker(ctx, svc.redisClient(), svc.sqlWriter.DB(), livenessInterval)

	go svc.snapshotLoop(ctx)
	go svc.saturationLoop(ctx)

	// ---- Keeper ----
	if svc.keeper != nil {
		svc.keeper.Start()
		log.Printf("[oracled] keeper %s scheduled %q", cfg.Keeper.Hex(), cfg.UpdateSchedule)
	} else {
		log.Println("[oracled] no ORACLE_KEEPER configured, updates arrive via the API only")
	}

	// ---- HTTP API ----
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Serve(ctx, cfg.HTTPAddr, svc.handler) }()

	log.Printf("[oracled] owner=%s window=%d max_swing=%s api=%s metrics=%s",
		svc.oracle.Owner().Hex(), svc.oracle.WindowSize(), fixed.Format(svc.oracle.MaxSwing()),
		cfg.HTTPAddr, cfg.MetricsAddr)
	log.Println("[oracled] ✅ all systems running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		<-apiErr
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	// ---- Graceful shutdown ----
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	metricsSrv.Stop(shutCtx)
	svc.shutdown(shutCtx)
	return runErr
}

// startConsumers attaches one goroutine per bus subscription.
func (svc *Service) startConsumers(ctx context.Context) {
	run := func(fn func()) {
		svc.consumers.Add(1)
		go func() {
			defer svc.consumers.Done()
			fn()
		}()
	}

	run(func() { svc.sqlWriter.Run(ctx, svc.journalCh) })
	run(func() { svc.hub.Run(ctx, svc.wsCh) })
	run(func() { svc.prom.Run(ctx, svc.metricsCh) })
	run(func() { svc.healthLoop(ctx, svc.healthCh) })
	run(func() { svc.dispatcher().Run(ctx, svc.notifyCh) })

	if svc.redisWriter != nil {
		svc.breaker = redisstore.NewCircuitBreaker(redisMaxFailures, redisResetTimeout)
		svc.breaker.OnStateChange = func(from, to redisstore.State) {
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[oracled] redis circuit %s -> %s", from, to)
		}
		pub := redisstore.NewBufferedPublisher(ctx, svc.redisWriter, svc.breaker, redisMaxBuffered)
		pub.OnBuffer = svc.prom.RedisBufferedEvents.Inc
		pub.OnFlush = func(n int) { log.Printf("[oracled] flushed %d buffered events to redis", n) }
		run(func() { pub.Run(ctx, svc.redisCh) })
	}
}

// dispatcher builds the alert fan-out from the configured backends.
func (svc *Service) dispatcher() *notification.Dispatcher {
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if svc.cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(svc.cfg.WebhookURL, svc.cfg.Wrapped.Hex()))
	}
	if svc.cfg.TelegramBotToken != "" && svc.cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(svc.cfg.TelegramBotToken, svc.cfg.TelegramChatID))
	}
	d := notification.NewDispatcher(notifiers, notifyTimeout)
	d.OnError = func(error) { svc.prom.NotifyErrors.Inc() }
	return d
}

// healthLoop tracks accepted and rejected updates and keeps the index
// gauges current.
func (svc *Service) healthLoop(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			switch ev.Kind {
			case model.EventUpdatePosted:
				svc.health.RecordUpdate(ev.TS, true, nil)
				svc.refreshGauges()
			case model.EventIndexAlert:
				svc.health.RecordUpdate(ev.TS, false, nil)
			case model.EventWindowSizeChanged:
				svc.refreshGauges()
			}
		}
	}
}

func (svc *Service) refreshGauges() {
	avg, err := svc.oracle.AverageIndex()
	if err != nil {
		avg = fixed.Zero()
	}
	hist := svc.oracle.History()
	svc.prom.SetIndexGauges(avg, svc.oracle.PreviousIndex(), len(hist), svc.oracle.WindowSize())
}

// onKeeperRun records keeper results; accepted and rejected updates reach
// health through the bus.
func (svc *Service) onKeeperRun(res keeper.Result) {
	switch {
	case res.Err != nil:
		svc.prom.KeeperRuns.WithLabelValues("error").Inc()
		svc.prom.ObserveUpdate(outcomeFor(res.Err), res.Took)
		svc.health.RecordUpdate(time.Now(), false, res.Err)
	case res.Outcome.Accepted:
		svc.prom.KeeperRuns.WithLabelValues("accepted").Inc()
		svc.prom.ObserveUpdate(metrics.OutcomeAccepted, res.Took)
	default:
		svc.prom.KeeperRuns.WithLabelValues("rejected").Inc()
		svc.prom.ObserveUpdate(metrics.OutcomeRejected, res.Took)
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, oracle.ErrNotAuthorized) {
		return metrics.OutcomeUnauthorized
	}
	return metrics.OutcomeError
}

// snapshotLoop periodically caches the oracle state in Redis.
func (svc *Service) snapshotLoop(ctx context.Context) {
	if svc.redisWriter == nil {
		return
	}
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.saveSnapshot(ctx)
		}
	}
}

func (svc *Service) saveSnapshot(ctx context.Context) {
	if svc.redisWriter == nil {
		return
	}
	snap := svc.oracle.Snapshot()
	save := func() error { return svc.redisWriter.SaveSnapshot(ctx, snap) }
	var err error
	if svc.breaker != nil {
		err = svc.breaker.Execute(save)
	} else {
		err = save()
	}
	if err != nil {
		log.Printf("[oracled] redis snapshot save error: %v", err)
	}
}

// saturationLoop exports how full each bus subscriber channel is.
func (svc *Service) saturationLoop(ctx context.Context) {
	ticker := time.NewTicker(saturationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range svc.bus.ChannelStats() {
				if st.Cap == 0 {
					continue
				}
				svc.prom.ChannelSaturationPct.WithLabelValues(st.Name).Set(float64(st.Len) * 100 / float64(st.Cap))
			}
		}
	}
}

// shutdown stops the keeper, saves a final snapshot, drains the consumers
// and closes connections.
func (svc *Service) shutdown(ctx context.Context) {
	log.Println("[oracled] shutdown signal received, saving final snapshot...")

	if svc.keeper != nil {
		svc.keeper.Stop(ctx)
	}

	if err := svc.sqlWriter.SaveState(ctx, svc.oracle.Snapshot()); err != nil {
		log.Printf("[oracled] final sqlite state save error: %v", err)
	}
	svc.saveSnapshot(ctx)
	log.Println("[oracled] final snapshot saved")

	// Closing the bus ends every consumer after it drains its channel.
	svc.bus.Close()
	done := make(chan struct{})
	go func() {
		svc.consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("[oracled] WARNING: consumers did not drain before the deadline")
	}
	svc.hub.Close()
	svc.closeStores()

	log.Println("[oracled] shutdown complete.")
}

func (svc *Service) closeStores() {
	if svc.sqlReader != nil {
		svc.sqlReader.Close()
	}
	if svc.sqlWriter != nil {
		svc.sqlWriter.Close()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}
}

func (svc *Service) redisClient() *goredis.Client {
	if svc.redisWriter == nil {
		return nil
	}
	return svc.redisWriter.Client()
}
