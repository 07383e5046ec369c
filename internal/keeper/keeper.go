// Package keeper triggers index updates on a cron schedule.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"wrapped-oracle/internal/fixed"
	"wrapped-oracle/internal/logger"
	"wrapped-oracle/internal/model"
	"wrapped-oracle/internal/oracle"
)

// Updater is the oracle surface the keeper drives.
type Updater interface {
	UpdateIndex(ctx context.Context, caller common.Address) (model.UpdateOutcome, error)
}

// Config controls scheduling and retry behaviour.
type Config struct {
	Schedule string         // cron spec with optional seconds field, or a descriptor like "@every 30s"
	Caller   common.Address // address the keeper updates as; must be allow-listed
	Timeout  time.Duration  // per attempt
	Retries  int            // extra attempts after the first failure
	Backoff  time.Duration  // attempt n waits n*Backoff before retrying
}

// Result describes one scheduled run.
type Result struct {
	TraceID  string
	Attempts int
	Outcome  model.UpdateOutcome
	Err      error
	Took     time.Duration
}

// Keeper runs UpdateIndex on a schedule.
type Keeper struct {
	cfg     Config
	updater Updater
	cron    *cron.Cron
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last Result
	runs uint64

	// OnRun is called after every run (scheduled or manual).
	OnRun func(Result)
}

// New validates the schedule and builds a stopped keeper.
func New(cfg Config, updater Updater) (*Keeper, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	k := &Keeper{
		cfg:     cfg,
		updater: updater,
		sleep:   sleepCtx,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))),
		),
	}
	if _, err := k.cron.AddFunc(cfg.Schedule, func() { k.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("keeper: schedule %q: %w", cfg.Schedule, err)
	}
	return k, nil
}

// Start begins scheduled runs.
func (k *Keeper) Start() {
	k.cron.Start()
	log.Printf("[keeper] started schedule=%q caller=%s", k.cfg.Schedule, k.cfg.Caller.Hex())
}

// Stop halts the scheduler and waits for a running update to finish or ctx to expire.
func (k *Keeper) Stop(ctx context.Context) {
	done := k.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	log.Printf("[keeper] stopped")
}

// RunOnce performs one update with retries. Authorization failures and
// successful calls (accepted or swing-rejected) end the run immediately.
func (k *Keeper) RunOnce(ctx context.Context) Result {
	start := time.Now()
	k.mu.Lock()
	k.runs++
	n := k.runs
	k.mu.Unlock()

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(fmt.Sprintf("keeper%d", n), start))
	res := Result{TraceID: logger.TraceID(ctx)}

	for attempt := 1; attempt <= k.cfg.Retries+1; attempt++ {
		res.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
		res.Outcome, res.Err = k.updater.UpdateIndex(attemptCtx, k.cfg.Caller)
		cancel()

		if res.Err == nil || !Retryable(res.Err) || attempt > k.cfg.Retries {
			break
		}
		slog.Warn("keeper update failed, retrying",
			append(logger.LogWithTrace(ctx), slog.Int("attempt", attempt), slog.String("error", res.Err.Error()))...)
		if err := k.sleep(ctx, time.Duration(attempt)*k.cfg.Backoff); err != nil {
			res.Err = errors.Join(res.Err, err)
			break
		}
	}
	res.Took = time.Since(start)
	k.report(ctx, res)
	return res
}

func (k *Keeper) report(ctx context.Context, res Result) {
	attrs := append(logger.LogWithTrace(ctx), slog.Int("attempts", res.Attempts), slog.Duration("took", res.Took))
	switch {
	case res.Err != nil:
		slog.Error("keeper update failed", append(attrs, slog.String("error", res.Err.Error()))...)
	case res.Outcome.Accepted:
		slog.Info("keeper update accepted", append(attrs, slog.String("index", fixed.Format(res.Outcome.Index)))...)
	default:
		slog.Warn("keeper update rejected by swing guard", append(attrs,
			slog.String("candidate", fixed.Format(res.Outcome.Index)),
			slog.String("average", fixed.Format(res.Outcome.Average)))...)
	}

	k.mu.Lock()
	k.last = res
	k.mu.Unlock()
	if k.OnRun != nil {
		k.OnRun(res)
	}
}

// Last returns the most recent run result.
func (k *Keeper) Last() Result {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Retryable reports whether err is worth another attempt. Permission and
// ownership failures are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, oracle.ErrNotAuthorized), errors.Is(err, oracle.ErrNotOwner):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
