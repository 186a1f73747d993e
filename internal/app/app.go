// Package app wires the local store, the change notifier and the sync
// engine into the facade the UI layer talks to.
//
// CRUD calls return as soon as the local store has committed them. Sync
// failures never surface here; they are visible through Status.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tasksync/internal/backend/googletasks"
	"tasksync/internal/backend/rest"
	"tasksync/internal/config"
	"tasksync/internal/engine"
	"tasksync/internal/notify"
	"tasksync/internal/service"
	"tasksync/internal/store"
	"tasksync/internal/transport"
)

// Version is the application version. Set at build time.
var Version = "0.1.0"

// ErrNoBackend is returned by sync operations when no remote is configured.
var ErrNoBackend = errors.New("no remote backend configured (set TASKSYNC_BACKEND)")

// App is the UI-facing facade.
type App struct {
	cfg      *config.Config
	store    *store.Store
	notifier *notify.Notifier
	engine   *engine.Engine // nil without a backend
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Option configures Open.
type Option func(*options)

type options struct {
	remote    service.Remote
	hasRemote bool
	logger    zerolog.Logger
	clock     func() time.Time
}

// WithRemote uses remote instead of the backend named in the settings.
// A nil remote disables sync.
func WithRemote(remote service.Remote) Option {
	return func(o *options) {
		o.remote = remote
		o.hasRemote = true
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Open opens the local store and, when a backend is configured, creates
// the sync engine. The engine does not run until Start.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: zerolog.Nop(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	remote := o.remote
	if !o.hasRemote {
		var err error
		remote, err = NewRemote(ctx, cfg, o.logger)
		if err != nil {
			return nil, err
		}
	}

	n := notify.New()
	st, err := store.Open(cfg.DBPath(),
		store.WithNotifier(n),
		store.WithLogger(o.logger.With().Str("component", "store").Logger()),
		store.WithClock(o.clock),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		store:    st,
		notifier: n,
		logger:   o.logger,
	}
	if remote != nil {
		a.engine = engine.New(st, remote, EngineConfig(cfg.Settings.Sync),
			engine.WithLogger(o.logger.With().Str("component", "engine").Logger()),
			engine.WithNotifier(n),
			engine.WithClock(o.clock),
		)
	}
	return a, nil
}

// NewRemote creates the remote named by cfg.Settings.Backend. It returns
// nil for the "none" backend.
func NewRemote(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (service.Remote, error) {
	s := cfg.Settings
	switch s.Backend {
	case config.BackendNone, "":
		return nil, nil

	case config.BackendREST:
		tc, err := transport.New(transport.Config{
			BaseURL:     s.RemoteURL,
			Token:       s.Token,
			Timeout:     s.Transport.Timeout,
			ReadRetries: s.Transport.ReadRetries,
			RetryDelay:  s.Transport.RetryDelay,
			UserAgent:   "tasksync/" + Version,
		}, transport.WithLogger(logger.With().Str("component", "transport").Logger()))
		if err != nil {
			return nil, err
		}
		return rest.New(tc, s.Sync.PageSize), nil

	case config.BackendGoogle:
		return googletasks.New(ctx, cfg, logger.With().Str("component", "google").Logger())

	default:
		return nil, fmt.Errorf("unknown backend: %s", s.Backend)
	}
}

// EngineConfig converts sync settings to the engine's configuration.
func EngineConfig(s config.SyncSettings) engine.Config {
	return engine.Config{
		Interval:          s.Interval,
		BackoffBase:       s.BackoffBase,
		BackoffMax:        s.BackoffMax,
		BatchSize:         s.BatchSize,
		MaxBatches:        s.MaxBatches,
		MaxAttempts:       s.MaxAttempts,
		PushOnLocalChange: s.PushOnLocalChange,
	}
}

// HasRemote reports whether sync is configured.
func (a *App) HasRemote() bool { return a.engine != nil }

// Create stores a new task and queues it for sync.
func (a *App) Create(ctx context.Context, t service.Task) (service.Task, error) {
	t.ID = ""
	t.RemoteID = ""
	t.RemoteRevision = ""
	t.LocalRevision = 0
	t.Deleted = false
	return a.store.Upsert(ctx, t)
}

// Update applies edit to a task and stores it.
func (a *App) Update(ctx context.Context, id string, edit func(*service.Task)) (service.Task, error) {
	t, err := a.store.Get(ctx, id)
	if err != nil {
		return service.Task{}, err
	}
	if t.Deleted {
		return service.Task{}, fmt.Errorf("task %s: %w", id, service.ErrNotFound)
	}
	edit(&t)
	t.ID = id
	return a.store.Upsert(ctx, t)
}

// Complete sets the completion flag of a task.
func (a *App) Complete(ctx context.Context, id string, done bool) (service.Task, error) {
	return a.Update(ctx, id, func(t *service.Task) { t.Completed = done })
}

// Delete soft-deletes a task.
func (a *App) Delete(ctx context.Context, id string) error {
	return a.store.SoftDelete(ctx, id)
}

// ClearCompleted deletes every completed task and returns how many.
func (a *App) ClearCompleted(ctx context.Context) (int, error) {
	return a.store.ClearCompleted(ctx)
}

// Get returns a task by id.
func (a *App) Get(ctx context.Context, id string) (service.Task, error) {
	return a.store.Get(ctx, id)
}

// Resolve finds a live task by full id or unique id prefix.
func (a *App) Resolve(ctx context.Context, ref string) (service.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return service.Task{}, fmt.Errorf("empty task id: %w", service.ErrNotFound)
	}
	if t, err := a.store.Get(ctx, ref); err == nil && !t.Deleted {
		return t, nil
	}

	tasks, err := a.store.List(ctx, service.Filter{Status: service.FilterAll})
	if err != nil {
		return service.Task{}, err
	}
	var matches []service.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return service.Task{}, fmt.Errorf("task %s: %w", ref, service.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return service.Task{}, fmt.Errorf("%w: %s", ErrAmbiguous, ref)
	}
}

// ErrAmbiguous is returned when a task id prefix matches several tasks.
var ErrAmbiguous = errors.New("ambiguous task id")

// List returns tasks matching f.
func (a *App) List(ctx context.Context, f service.Filter) ([]service.Task, error) {
	return a.store.List(ctx, f)
}

// Stats returns task counts.
func (a *App) Stats(ctx context.Context) (service.Stats, error) {
	return a.store.Stats(ctx)
}

// Pending returns the queued mutations.
func (a *App) Pending(ctx context.Context) ([]service.PendingMutation, error) {
	return a.store.ListPending(ctx)
}

// Subscribe registers a change observer. Close the subscription when done.
func (a *App) Subscribe() *notify.Subscription {
	return a.notifier.Subscribe()
}

// SyncNow asks the running engine for a cycle. No-op without a backend.
func (a *App) SyncNow() {
	if a.engine != nil {
		a.engine.SyncNow()
	}
}

// ConnectivityRestored ends a backoff early. No-op without a backend.
func (a *App) ConnectivityRestored() {
	if a.engine != nil {
		a.engine.ConnectivityRestored()
	}
}

// Sync runs one cycle in the foreground.
func (a *App) Sync(ctx context.Context) (engine.Result, error) {
	if a.engine == nil {
		return engine.Result{}, ErrNoBackend
	}
	return a.engine.SyncOnce(ctx)
}

// Resync discards the sync cursor and refetches every remote task.
func (a *App) Resync(ctx context.Context) (engine.Result, error) {
	if a.engine == nil {
		return engine.Result{}, ErrNoBackend
	}
	return a.engine.Resync(ctx)
}

// Status returns the sync status. Without a backend only the pending
// count is meaningful.
func (a *App) Status(ctx context.Context) (engine.Status, error) {
	if a.engine == nil {
		n, err := a.store.PendingCount(ctx)
		return engine.Status{State: engine.StateIdle, PendingCount: n}, err
	}
	return a.engine.Status(ctx)
}

// Start runs the engine in the background until Close.
func (a *App) Start(ctx context.Context) error {
	if a.engine == nil {
		return ErrNoBackend
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("sync engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	done := make(chan error, 1)
	a.done = done
	go func() {
		done <- a.engine.Run(runCtx)
	}()
	return nil
}

// Close stops the engine, waits for the current cycle to finish and closes
// the store.
func (a *App) Close() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	var runErr error
	if cancel != nil {
		cancel()
		runErr = <-done
	}
	a.notifier.Close()
	return errors.Join(runErr, a.store.Close())
}
