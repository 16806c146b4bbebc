// Package sim provides an in-memory [device.Device] used by the CLI to run
// the tracker off-device and by tests to script OS behavior.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
)

// Device is a scriptable simulated phone. The zero value is not usable; use
// [New].
type Device struct {
	mu sync.Mutex

	servicesEnabled bool
	foreground      device.PermissionStatus
	background      device.PermissionStatus
	grantOnRequest  bool
	foregroundApp   bool

	location    domain.LocationSample
	locationErr error

	taskRunning  bool
	taskOptions  device.TaskOptions
	startErr     error
	stopErr      error
	taskStarts   int
	taskStops    int
	notified     []device.Notification
	permRequests int

	subs   map[int]func(bool)
	nextID int
	now    func() time.Time
}

// New returns a device with location services on, both permissions granted
// and the app in the foreground.
func New() *Device {
	return &Device{
		servicesEnabled: true,
		foreground:      device.PermissionGranted,
		background:      device.PermissionGranted,
		grantOnRequest:  true,
		foregroundApp:   true,
		subs:            make(map[int]func(bool)),
		now:             time.Now,
	}
}

// SetServicesEnabled toggles device location services.
func (d *Device) SetServicesEnabled(v bool) {
	d.mu.Lock()
	d.servicesEnabled = v
	d.mu.Unlock()
}

// SetPermissions sets the current foreground and background permission state.
func (d *Device) SetPermissions(foreground, background device.PermissionStatus) {
	d.mu.Lock()
	d.foreground = foreground
	d.background = background
	d.mu.Unlock()
}

// SetGrantOnRequest controls whether an undetermined permission becomes
// granted (true) or denied (false) when requested.
func (d *Device) SetGrantOnRequest(v bool) {
	d.mu.Lock()
	d.grantOnRequest = v
	d.mu.Unlock()
}

// SetLocation sets the position returned by CurrentLocation. A zero
// timestamp is replaced by the current time on read.
func (d *Device) SetLocation(lon, lat, accuracy float64) {
	d.mu.Lock()
	d.location = domain.LocationSample{Coordinates: [2]float64{lon, lat}, Accuracy: accuracy}
	d.locationErr = nil
	d.mu.Unlock()
}

// SetLocationError makes CurrentLocation fail with err.
func (d *Device) SetLocationError(err error) {
	d.mu.Lock()
	d.locationErr = err
	d.mu.Unlock()
}

// SetStartError makes the next StartLocationTask calls fail with err.
func (d *Device) SetStartError(err error) {
	d.mu.Lock()
	d.startErr = err
	d.mu.Unlock()
}

// SetStopError makes StopLocationTask fail with err.
func (d *Device) SetStopError(err error) {
	d.mu.Lock()
	d.stopErr = err
	d.mu.Unlock()
}

// KillTask stops the background task without telling the app, as the OS
// does after a crash or under memory pressure.
func (d *Device) KillTask() {
	d.mu.Lock()
	d.taskRunning = false
	d.mu.Unlock()
}

// SetForeground moves the app to the foreground or background and notifies
// subscribers when the state changes.
func (d *Device) SetForeground(v bool) {
	d.mu.Lock()
	changed := d.foregroundApp != v
	d.foregroundApp = v
	subs := make([]func(bool), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range subs {
		fn(v)
	}
}

// TaskStarts returns how many times the location task was started.
func (d *Device) TaskStarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskStarts
}

// TaskStops returns how many times the location task was stopped.
func (d *Device) TaskStops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskStops
}

// TaskOptions returns the options of the last successful task start.
func (d *Device) TaskOptions() device.TaskOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskOptions
}

// Notifications returns a copy of all local notifications shown so far.
func (d *Device) Notifications() []device.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.Notification, len(d.notified))
	copy(out, d.notified)
	return out
}

// PermissionRequests returns how many permission dialogs were shown.
func (d *Device) PermissionRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permRequests
}

func (d *Device) ServicesEnabled(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servicesEnabled, ctx.Err()
}

func (d *Device) ForegroundPermission(ctx context.Context) (device.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreground, ctx.Err()
}

func (d *Device) RequestForegroundPermission(ctx context.Context) (device.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permRequests++
	if d.foreground == device.PermissionUndetermined {
		d.foreground = d.resolveRequestLocked()
	}
	return d.foreground, ctx.Err()
}

func (d *Device) BackgroundPermission(ctx context.Context) (device.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.background, ctx.Err()
}

func (d *Device) RequestBackgroundPermission(ctx context.Context) (device.PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permRequests++
	if d.background == device.PermissionUndetermined {
		d.background = d.resolveRequestLocked()
	}
	return d.background, ctx.Err()
}

func (d *Device) resolveRequestLocked() device.PermissionStatus {
	if d.grantOnRequest {
		return device.PermissionGranted
	}
	return device.PermissionDenied
}

func (d *Device) CurrentLocation(ctx context.Context) (domain.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return domain.LocationSample{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locationErr != nil {
		return domain.LocationSample{}, d.locationErr
	}
	if !d.servicesEnabled {
		return domain.LocationSample{}, errors.New("location services are disabled")
	}
	out := d.location
	if out.Timestamp.IsZero() {
		out.Timestamp = d.now()
	}
	return out, nil
}

func (d *Device) IsTaskRunning(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskRunning, ctx.Err()
}

func (d *Device) StartLocationTask(ctx context.Context, opts device.TaskOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	if !d.foregroundApp {
		return domain.ErrForegroundServiceBackgrounded
	}
	d.taskRunning = true
	d.taskOptions = opts
	d.taskStarts++
	return nil
}

func (d *Device) StopLocationTask(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taskStops++
	if d.stopErr != nil {
		return d.stopErr
	}
	d.taskRunning = false
	return nil
}

func (d *Device) Notify(ctx context.Context, n device.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, n)
	return ctx.Err()
}

func (d *Device) IsForeground() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foregroundApp
}

func (d *Device) Subscribe(fn func(bool)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

var _ device.Device = (*Device)(nil)
