// Package engine drives synchronization between the local store and a
// remote task service.
//
// The engine is the sole owner of the sync state machine:
//
//	Idle -> Pulling -> Pushing -> Idle
//	any failure -> Backoff -> Idle
//
// It runs at most one cycle at a time. Triggers that arrive while a cycle
// or a backoff is active are coalesced into a single follow-up cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tasksync/internal/notify"
	"tasksync/internal/service"
	"tasksync/internal/store"
)

// State is the sync state.
type State int

// States.
const (
	StateIdle State = iota
	StatePulling
	StatePushing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StatePushing:
		return "pushing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Store is the part of the local store the engine uses.
type Store interface {
	Get(ctx context.Context, id string) (service.Task, error)
	NextPendingBatch(ctx context.Context, n int) ([]service.PendingMutation, error)
	MarkMutationResolved(ctx context.Context, id int64, out service.Outcome) error
	ReleaseMutations(ctx context.Context, ids []int64) error
	RecoverInFlight(ctx context.Context) (int, error)
	ApplyRemoteSnapshot(ctx context.Context, tasks []service.RemoteTask, cursor string) (store.MergeResult, error)
	MergeRemote(ctx context.Context, rt service.RemoteTask) (store.MergeResult, error)
	Cursor(ctx context.Context) (string, error)
	ResetCursor(ctx context.Context) error
	PendingCount(ctx context.Context) (int, error)
}

// Config tunes the engine.
type Config struct {
	// Interval between scheduled cycles. Zero disables the timer.
	Interval time.Duration

	// BackoffBase is the delay after the first failure. It doubles with
	// every consecutive failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// BatchSize is the number of mutations taken from the queue at once and
	// MaxBatches the number of batches pushed per cycle.
	BatchSize  int
	MaxBatches int

	// MaxAttempts turns a mutation that keeps failing into a permanent
	// rejection. Zero retries forever.
	MaxAttempts int

	// PushOnLocalChange starts a cycle after every local edit.
	PushOnLocalChange bool
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Minute,
		BatchSize:         50,
		MaxBatches:        20,
		MaxAttempts:       10,
		PushOnLocalChange: true,
	}
}

// Status is a read-only view of the engine for the UI layer.
type Status struct {
	State               State
	LastError           string
	PendingCount        int
	ConsecutiveFailures int
	LastSuccess         time.Time
	NextRetry           time.Time

	// Conflicts counts remote changes that met a pending local edit since
	// the engine started, on pull or as a failed push precondition.
	Conflicts int
}

// Result summarizes one sync cycle.
type Result struct {
	Pages    int
	Merge    store.MergeResult
	Pushed   int
	Rejected int
	Requeued int // pushes that failed their precondition and were requeued
}

// Engine synchronizes a Store with a service.Remote.
type Engine struct {
	store    Store
	remote   service.Remote
	notifier *notify.Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	cycleMu   sync.Mutex // held for the duration of a cycle
	recovered bool       // guarded by cycleMu

	trigger chan struct{}
	wake    chan struct{}

	mu     sync.Mutex
	status Status
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier subscribes Run to local change events.
func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Zero config values take their defaults.
func New(st Store, remote service.Remote, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}

	e := &Engine{
		store:   st,
		remote:  remote,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncNow requests a cycle from Run. It never blocks; requests made while
// a cycle or backoff is active collapse into one follow-up cycle.
func (e *Engine) SyncNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// ConnectivityRestored ends an active backoff early and requests a cycle.
func (e *Engine) ConnectivityRestored() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Status returns the current sync status with a fresh pending count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.store.PendingCount(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.status.PendingCount = n
	}
	return e.status, err
}

// Run drives scheduled and triggered cycles until ctx is cancelled. In-flight
// entries left by a previous process are returned to the queue first.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var local <-chan notify.Event
	if e.notifier != nil && e.cfg.PushOnLocalChange {
		sub := e.notifier.Subscribe()
		defer sub.Close()
		local = sub.C()
	}

	var (
		backoff *time.Timer
		retry   <-chan time.Time
		trigger = e.trigger
	)
	endBackoff := func() {
		if backoff != nil {
			backoff.Stop()
		}
		backoff, retry, trigger = nil, nil, e.trigger
		e.setState(StateIdle)
	}
	defer func() {
		if backoff != nil {
			backoff.Stop()
		}
	}()

	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("sync engine started")
	e.SyncNow()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateIdle)
			e.logger.Info().Msg("sync engine stopped")
			return nil

		case <-tick:
			e.SyncNow()

		case ev, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			if ev.Origin.Has(notify.OriginLocal) {
				e.SyncNow()
			}

		case <-e.wake:
			if backoff != nil {
				e.logger.Info().Msg("connectivity restored, ending backoff")
				endBackoff()
			}
			e.SyncNow()

		case <-retry:
			endBackoff()
			e.SyncNow()

		case <-trigger:
			_, err := e.runCycle(ctx, false)
			if err == nil || ctx.Err() != nil {
				continue
			}
			delay := e.enterBackoff()
			backoff = time.NewTimer(delay)
			retry, trigger = backoff.C, nil
		}
	}
}

// SyncOnce runs one pull and push cycle synchronously and returns its
// result. It does not back off; the failure is recorded in Status.
func (e *Engine) SyncOnce(ctx context.Context) (Result, error) {
	if err := e.recover(ctx); err != nil {
		return Result{}, err
	}
	return e.runCycle(ctx, false)
}

// Resync clears the sync cursor and runs a full cycle, refetching every
// remote task.
func (e *Engine) Resync(ctx context.Context) (Result, error) {
	if err := e.recover(ctx); err != nil {
		return Result{}, err
	}
	return e.runCycle(ctx, true)
}

func (e *Engine) recover(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.recovered {
		return nil
	}
	n, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending queue: %w", err)
	}
	if n > 0 {
		e.logger.Info().Int("count", n).Msg("resuming interrupted push")
	}
	e.recovered = true
	return nil
}

func (e *Engine) runCycle(ctx context.Context, reset bool) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := e.now()
	res, err := e.cycle(ctx, reset)
	e.finish(res, err)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Debug().Err(err).Msg("sync cycle cancelled")
		} else {
			e.logger.Warn().Err(err).Msg("sync cycle failed")
		}
		return res, err
	}

	e.logger.Info().
		Int("pages", res.Pages).
		Int("inserted", res.Merge.Inserted).
		Int("updated", res.Merge.Updated).
		Int("removed", res.Merge.Removed).
		Int("conflicts", res.Merge.Conflicts).
		Int("pushed", res.Pushed).
		Int("rejected", res.Rejected).
		Int("requeued", res.Requeued).
		Dur("took", e.now().Sub(start)).
		Msg("sync cycle complete")
	return res, nil
}

// finish records the outcome of a cycle and leaves the state Idle.
func (e *Engine) finish(res Result, err error) {
	pending, countErr := e.store.PendingCount(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.State = StateIdle
	e.status.Conflicts += res.Merge.Conflicts + res.Requeued
	if countErr == nil {
		e.status.PendingCount = pending
	}

	switch {
	case err == nil:
		e.status.ConsecutiveFailures = 0
		e.status.LastError = ""
		e.status.LastSuccess = e.now()
		e.status.NextRetry = time.Time{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		e.status.ConsecutiveFailures++
		e.status.LastError = err.Error()
	}
}

// enterBackoff switches to Backoff and returns the delay before the next
// attempt.
func (e *Engine) enterBackoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	delay := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMax, e.status.ConsecutiveFailures)
	e.status.State = StateBackoff
	e.status.NextRetry = e.now().Add(delay)

	e.logger.Warn().
		Int("failures", e.status.ConsecutiveFailures).
		Dur("delay", delay).
		Msg("sync backing off")
	return delay
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = s
	if s == StateIdle {
		e.status.NextRetry = time.Time{}
	}
}

// backoffDelay returns base * 2^(failures-1), capped at limit.
func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	return min(d, limit)
}
