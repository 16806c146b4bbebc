// Package tracking owns the OS background location task: it gates starts on
// the permission state, starts and stops the task, and reconciles its own
// view with what the OS reports.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
)

// Notification actions understood by the orchestrator's notification router.
const (
	ActionStartTracking          = "START_TRACKING"
	ActionBringToForeground      = "BRING_TO_FOREGROUND"
	ActionBringToForegroundError = "BRING_TO_FOREGROUND_ERROR"
	ActionPermissionRequired     = "PERMISSION_REQUIRED"
)

const (
	permissionTypeServices   = "location_services"
	permissionTypeForeground = "foreground"
	permissionTypeBackground = "background"
)

const (
	defaultTaskInterval          = 10 * time.Minute
	defaultDistanceMeters        = 50
	defaultRestartSettle         = time.Second
	defaultTaskNotificationTitle = "Trip tracking active"
	defaultTaskNotificationBody  = "Your location is shared with the buyer until the delivery is complete."
)

// Device is the subset of OS services the controller drives.
type Device interface {
	device.Permissions
	device.TaskScheduler
	device.Notifier
	IsForeground() bool
}

// Options configures the background location task.
type Options struct {
	TaskInterval      time.Duration
	DistanceMeters    float64
	RestartSettle     time.Duration
	NotificationTitle string
	NotificationBody  string
}

func (o Options) withDefaults() Options {
	if o.TaskInterval <= 0 {
		o.TaskInterval = defaultTaskInterval
	}
	if o.DistanceMeters <= 0 {
		o.DistanceMeters = defaultDistanceMeters
	}
	if o.RestartSettle < 0 {
		o.RestartSettle = 0
	} else if o.RestartSettle == 0 {
		o.RestartSettle = defaultRestartSettle
	}
	if o.NotificationTitle == "" {
		o.NotificationTitle = defaultTaskNotificationTitle
	}
	if o.NotificationBody == "" {
		o.NotificationBody = defaultTaskNotificationBody
	}
	return o
}

// PermissionCheck is the outcome of the three-stage permission gate.
// Reason is empty when every stage passed.
type PermissionCheck struct {
	ServicesEnabled bool
	Foreground      device.PermissionStatus
	Background      device.PermissionStatus
	Reason          string
	Err             error
}

// OK reports whether all stages passed.
func (p PermissionCheck) OK() bool { return p.Reason == "" }

// Status is a diagnostic snapshot.
type Status struct {
	TaskRunning bool
	Permissions PermissionCheck
	State       State
}

// Controller is the sole owner of the OS background location task.
type Controller struct {
	dev  Device
	opts Options
	log  *slog.Logger

	// opMu serializes task mutations; the OS task is a process-wide singleton.
	opMu sync.Mutex

	mu    sync.Mutex
	state State
}

// New creates an idle controller.
func New(dev Device, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{dev: dev, opts: opts.withDefaults(), log: logger, state: idle()}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Flags returns the boolean projection of the current state.
func (c *Controller) Flags() Flags {
	return c.State().Flags()
}

// IsTracking reports whether the controller believes the task is running.
// Call SyncTrackingState first after any resume from background.
func (c *Controller) IsTracking() bool {
	return c.State().Phase == PhaseActive
}

// ActiveTripID returns the trip being tracked, or "".
func (c *Controller) ActiveTripID() string {
	s := c.State()
	if s.Phase != PhaseActive {
		return ""
	}
	return s.TripID
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev.Phase != s.Phase || prev.TripID != s.TripID || prev.Reason != s.Reason {
		c.log.Debug("tracking state changed", "from", prev.String(), "to", s.String())
	}
}

// CheckPermissions runs the gate: location services, then foreground
// permission, then background permission. A permission is only requested
// while undetermined and only from the foreground; a denied permission is
// never re-prompted. With showNotifications a local notification explains
// the first failing stage.
func (c *Controller) CheckPermissions(ctx context.Context, tripID string, showNotifications bool) PermissionCheck {
	check := c.runGate(ctx, tripID, showNotifications, true)

	c.mu.Lock()
	switch {
	case !check.OK() && c.state.Phase != PhaseActive && c.state.Phase != PhaseStarting:
		c.state = failed(check.Reason, check.Err)
	case check.OK() && c.state.Phase == PhaseFailed && isPermissionReason(c.state.Reason):
		c.state = idle()
	}
	c.mu.Unlock()
	return check
}

func (c *Controller) runGate(ctx context.Context, tripID string, showNotifications, request bool) PermissionCheck {
	var check PermissionCheck
	foreground := c.dev.IsForeground()

	enabled, err := c.dev.ServicesEnabled(ctx)
	if err != nil {
		return c.gateError(check, err)
	}
	check.ServicesEnabled = enabled
	if !enabled {
		check.Reason = domain.ReasonLocationServicesDisabled
		if showNotifications {
			c.notifyPermission(ctx, tripID, permissionTypeServices,
				"Location services are off", "Turn on location services so your trip can be tracked.")
		}
		return check
	}

	check.Foreground, err = c.permission(ctx, c.dev.ForegroundPermission, c.dev.RequestForegroundPermission, request && foreground)
	if err != nil {
		return c.gateError(check, err)
	}
	if check.Foreground != device.PermissionGranted {
		check.Reason = domain.ReasonForegroundPermissionDenied
		if showNotifications {
			c.notifyPermission(ctx, tripID, permissionTypeForeground,
				"Location permission needed", "Allow location access to share your position during deliveries.")
		}
		return check
	}

	check.Background, err = c.permission(ctx, c.dev.BackgroundPermission, c.dev.RequestBackgroundPermission, request && foreground)
	if err != nil {
		return c.gateError(check, err)
	}
	if check.Background != device.PermissionGranted {
		check.Reason = domain.ReasonBackgroundPermissionDenied
		if showNotifications {
			c.notifyPermission(ctx, tripID, permissionTypeBackground,
				"Background location needed", "Set location access to \"Always\" so tracking continues when the app is closed.")
		}
	}
	return check
}

func (c *Controller) gateError(check PermissionCheck, err error) PermissionCheck {
	c.log.Error("permission check failed", "err", err)
	check.Reason = domain.ReasonTechnicalError
	check.Err = err
	return check
}

func (c *Controller) permission(
	ctx context.Context,
	get func(context.Context) (device.PermissionStatus, error),
	request func(context.Context) (device.PermissionStatus, error),
	mayRequest bool,
) (device.PermissionStatus, error) {
	status, err := get(ctx)
	if err != nil || status != device.PermissionUndetermined || !mayRequest {
		return status, err
	}
	return request(ctx)
}

func (c *Controller) notifyPermission(ctx context.Context, tripID, kind, title, body string) {
	n := device.Notification{
		Title: title,
		Body:  body,
		Data:  map[string]string{"action": ActionPermissionRequired, "permissionType": kind},
	}
	if tripID != "" {
		n.Data["tripId"] = tripID
	}
	if err := c.dev.Notify(ctx, n); err != nil {
		c.log.Warn("permission notification failed", "kind", kind, "err", err)
	}
}

// StartTracking starts the background location task for tripID. A task
// that is already running is stopped first so that the new options apply.
// It reports false on any failure; the reason is in State().Reason.
func (c *Controller) StartTracking(ctx context.Context, tripID string) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.setState(starting(tripID))
	check := c.runGate(ctx, tripID, !c.dev.IsForeground(), true)
	if !check.OK() {
		c.log.Warn("tracking not started; permissions", "trip_id", tripID, "reason", check.Reason)
		c.setState(failed(check.Reason, check.Err))
		return false
	}

	running, err := c.dev.IsTaskRunning(ctx)
	if err != nil {
		c.log.Warn("task state query failed; starting anyway", "trip_id", tripID, "err", err)
	}
	if running {
		c.log.Info("restarting running location task", "trip_id", tripID)
		if err := c.dev.StopLocationTask(ctx); err != nil {
			c.log.Warn("stop before restart failed", "trip_id", tripID, "err", err)
		}
		if err := sleepCtx(ctx, c.opts.RestartSettle); err != nil {
			c.setState(failed(domain.ReasonTechnicalError, err))
			return false
		}
	}

	err = c.dev.StartLocationTask(ctx, device.TaskOptions{
		Accuracy:            device.AccuracyBalanced,
		TimeInterval:        c.opts.TaskInterval,
		DistanceInterval:    c.opts.DistanceMeters,
		NotificationTitle:   c.opts.NotificationTitle,
		NotificationBody:    c.opts.NotificationBody,
		ShowsBackgroundIcon: true,
	})
	switch {
	case err == nil:
		c.log.Info("location tracking started", "trip_id", tripID)
		c.setState(active(tripID))
		return true
	case errors.Is(err, domain.ErrForegroundServiceBackgrounded):
		c.log.Warn("location task needs the app in the foreground", "trip_id", tripID)
		n := device.Notification{
			Title: "Open the app to start tracking",
			Body:  "Trip tracking could not start in the background. Tap to continue.",
			Data:  map[string]string{"action": ActionBringToForegroundError, "tripId": tripID},
		}
		if nerr := c.dev.Notify(ctx, n); nerr != nil {
			c.log.Warn("foreground notification failed", "trip_id", tripID, "err", nerr)
		}
		c.setState(failed(domain.ReasonForegroundServiceBackgrounded, err))
		return false
	case errors.Is(err, domain.ErrPermissionRevoked):
		c.log.Warn("permission revoked while starting", "trip_id", tripID)
		recheck := c.runGate(ctx, tripID, false, false)
		reason := recheck.Reason
		if reason == "" {
			reason = domain.ReasonTechnicalError
		}
		c.setState(failed(reason, err))
		return false
	default:
		c.log.Error("location task start failed", "trip_id", tripID, "err", err)
		c.setState(failed(domain.ReasonTechnicalError, &domain.TrackingError{TripID: tripID, Op: "start", Err: err}))
		return false
	}
}

// StopTracking stops the task if the OS reports it running. It is safe to
// call at any time and always leaves the controller idle. It reports false
// only when a running task could not be stopped.
func (c *Controller) StopTracking(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.State()
	c.setState(stopping(prev.TripID))
	defer c.setState(idle())

	running, err := c.dev.IsTaskRunning(ctx)
	if err != nil {
		c.log.Warn("task state query failed; stopping anyway", "err", err)
		running = true
	}
	if !running {
		return true
	}
	if err := c.dev.StopLocationTask(ctx); err != nil {
		c.log.Error("location task stop failed", "trip_id", prev.TripID, "err", err)
		return false
	}
	c.log.Info("location tracking stopped", "trip_id", prev.TripID)
	return true
}

// SyncTrackingState reconciles the controller with the OS task flag. The OS
// may kill the task without telling the app, and a task may survive a
// process restart. tripID names the persisted active trip, used when a
// running task is adopted. It returns the OS flag.
func (c *Controller) SyncTrackingState(ctx context.Context, tripID string) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	running, err := c.dev.IsTaskRunning(ctx)
	if err != nil {
		c.log.Warn("task state sync failed", "err", err)
		return c.IsTracking()
	}
	cur := c.State()
	switch {
	case running && cur.Phase != PhaseActive:
		c.log.Info("adopting running location task", "trip_id", tripID)
		c.setState(active(tripID))
	case !running && cur.Phase == PhaseActive:
		c.log.Warn("location task no longer running", "trip_id", cur.TripID)
		c.setState(idle())
	}
	return running
}

// TrackingStatus combines the OS task flag with a permission probe. It
// neither prompts nor changes state.
func (c *Controller) TrackingStatus(ctx context.Context) Status {
	running, err := c.dev.IsTaskRunning(ctx)
	if err != nil {
		c.log.Warn("task state query failed", "err", err)
	}
	return Status{
		TaskRunning: running,
		Permissions: c.runGate(ctx, "", false, false),
		State:       c.State(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
