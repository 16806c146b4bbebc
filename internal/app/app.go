// Package app assembles the tracker's components for one process: the
// realtime channel, the tracking controller, the orchestrator and the
// permission monitor in the foreground, or the background task handler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/buildorite/tracker/internal/api"
	"github.com/buildorite/tracker/internal/background"
	"github.com/buildorite/tracker/internal/config"
	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/orchestrator"
	"github.com/buildorite/tracker/internal/permission"
	"github.com/buildorite/tracker/internal/realtime"
	"github.com/buildorite/tracker/internal/store/sqlite"
	"github.com/buildorite/tracker/internal/tracking"
)

const realtimePath = "/realtime"

// TripLookup reports trip status from the server.
type TripLookup interface {
	Trip(ctx context.Context, id string) (domain.TripResponse, error)
}

// Deps are the collaborators supplied by the host.
type Deps struct {
	Device device.Device
	// Modal shows permission problems. Nil logs them instead.
	Modal permission.Modal
	// Trips defaults to the REST client for the configured server.
	Trips TripLookup
}

// App owns the foreground components. Init wires them; Shutdown tears them
// down in reverse order.
type App struct {
	cfg  config.TrackerConfig
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	store   *sqlite.Store
	started bool
	closed  bool

	channel      *realtime.Channel
	tracker      *tracking.Controller
	orchestrator *orchestrator.Orchestrator
	monitor      *permission.Monitor

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates an App. Nothing is opened until Init or BackgroundHandler.
func New(cfg config.TrackerConfig, deps Deps, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Modal == nil {
		deps.Modal = logModal{log: logger}
	}
	return &App{cfg: cfg, deps: deps, log: logger}
}

// Init opens the persisted state, reconciles it with the OS, connects the
// realtime channel for an authenticated session and starts the permission
// monitor. It runs once; later calls are no-ops.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("app: init after shutdown")
	}
	if a.started {
		return nil
	}
	if a.deps.Device == nil {
		return errors.New("app: missing device")
	}

	store, err := a.openStoreLocked()
	if err != nil {
		return err
	}
	sess, err := store.Session(ctx)
	if err != nil {
		return fmt.Errorf("app: read session: %w", err)
	}
	if a.deps.Trips == nil && a.cfg.ServerURL != "" {
		a.deps.Trips = api.New(a.cfg.ServerURL, store, a.cfg.RequestTimeout, a.log.With("component", "api"))
	}

	dev := a.deps.Device
	a.channel = realtime.New(realtime.Options{
		URL:               a.cfg.ServerURL + realtimePath,
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		ReconnectAttempts: a.cfg.ReconnectAttempts,
		ReconnectTimeout:  a.cfg.ReconnectTimeout,
		Permissions:       dev,
		Locator:           dev,
	}, sess, a.log.With("component", "realtime"))
	a.tracker = tracking.New(dev, tracking.Options{
		TaskInterval:   a.cfg.TaskInterval,
		DistanceMeters: a.cfg.TaskDistanceMeters,
		RestartSettle:  a.cfg.TaskRestartSettle,
	}, a.log.With("component", "tracking"))
	a.orchestrator = orchestrator.New(a.channel, a.tracker, store, dev, orchestrator.Options{
		PendingTTL:   a.cfg.PendingRequestTTL,
		ResumeSettle: a.cfg.ResumeSettle,
	}, a.log.With("component", "orchestrator"))
	a.monitor = permission.New(dev, store, a.deps.Modal, permission.Options{
		PollInterval:     a.cfg.PermissionPollInterval,
		ForegroundSettle: a.cfg.ForegroundSettle,
	}, a.log.With("component", "permission"))

	if err := a.cleanup(ctx, store, sess); err != nil {
		a.log.Warn("startup cleanup incomplete", "err", err)
	}

	a.orchestrator.Bind()
	if sess.Authenticated() {
		a.channel.Connect()
	} else {
		a.log.Info("no session; realtime channel stays disconnected")
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	a.monitorCancel = cancel
	a.monitorDone = make(chan struct{})
	go func() {
		defer close(a.monitorDone)
		a.monitor.Run(monitorCtx)
	}()

	a.started = true
	a.log.Info("tracker initialized", "user_id", sess.UserID, "role", sess.Role)
	return nil
}

// cleanup reconciles persisted state with the OS task after a restart: a
// running task with no active trip is stopped, and an active trip whose
// task is gone or whose trip has ended is cleared.
func (a *App) cleanup(ctx context.Context, store *sqlite.Store, sess domain.Session) error {
	trip, err := store.ActiveTrip(ctx)
	if err != nil {
		return fmt.Errorf("read active trip: %w", err)
	}
	running, err := a.deps.Device.IsTaskRunning(ctx)
	if err != nil {
		return fmt.Errorf("query task: %w", err)
	}

	if !trip.Active() {
		if running {
			a.log.Info("stopping orphaned location task")
			a.tracker.StopTracking(ctx)
		}
		return nil
	}
	if !running {
		a.log.Info("clearing active trip without a location task", "trip_id", trip.TripID)
		return store.ClearActiveTrip(ctx)
	}
	if live, known := a.tripLive(ctx, sess, trip.TripID); known && !live {
		a.log.Info("clearing finished trip", "trip_id", trip.TripID)
		a.tracker.StopTracking(ctx)
		return store.ClearActiveTrip(ctx)
	}
	a.tracker.SyncTrackingState(ctx, trip.TripID)
	return nil
}

// tripLive asks the server about tripID. known is false when the answer
// could not be obtained, in which case the trip is kept.
func (a *App) tripLive(ctx context.Context, sess domain.Session, tripID string) (live, known bool) {
	if a.deps.Trips == nil || !sess.Authenticated() {
		return false, false
	}
	trip, err := a.deps.Trips.Trip(ctx, tripID)
	switch {
	case err == nil:
		return trip.Live(), true
	case errors.Is(err, domain.ErrNotFound):
		return false, true
	default:
		a.log.Warn("trip status lookup failed", "trip_id", tripID, "err", err)
		return false, false
	}
}

// Shutdown stops the monitor, the orchestrator and the channel, then closes
// the store. It is safe to call more than once.
func (a *App) Shutdown() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel, done := a.monitorCancel, a.monitorDone
	orch, ch, store := a.orchestrator, a.channel, a.store
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if orch != nil {
		orch.Close()
	}
	if ch != nil {
		ch.Disconnect()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			return fmt.Errorf("app: close store: %w", err)
		}
	}
	return nil
}

// BackgroundHandler returns the handler for OS background task invocations.
// It only needs the store, so it works in a process where Init never ran.
func (a *App) BackgroundHandler() (*background.Handler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("app: background handler after shutdown")
	}
	store, err := a.openStoreLocked()
	if err != nil {
		return nil, err
	}
	logger := a.log.With("component", "background")
	cfg := a.cfg
	dial := func(sess domain.Session) background.Conn {
		return realtime.New(realtime.Options{
			URL:               cfg.ServerURL + realtimePath,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectTimeout:  cfg.ReconnectTimeout,
		}, sess, logger)
	}
	return background.New(store, dial, background.Options{
		Retries:   cfg.BackgroundRetries,
		RetryBase: cfg.BackgroundRetryBase,
	}, logger), nil
}

// Store returns the opened store, or nil before Init.
func (a *App) Store() *sqlite.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

// Orchestrator returns the foreground orchestrator, or nil before Init.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orchestrator
}

// Tracker returns the tracking controller, or nil before Init.
func (a *App) Tracker() *tracking.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracker
}

// Channel returns the realtime channel, or nil before Init.
func (a *App) Channel() *realtime.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

func (a *App) openStoreLocked() (*sqlite.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := sqlite.OpenWithOptions(a.cfg.DBPath, sqlite.OpenOptions{TokenKey: a.cfg.TokenKey})
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	a.store = store
	return store, nil
}

type logModal struct {
	log *slog.Logger
}

func (m logModal) Show(kind permission.Kind) {
	m.log.Warn("location permission required", "kind", kind)
}

func (m logModal) Hide() {
	m.log.Info("location permission restored")
}
