// Package permission watches the device location permission state for
// driver sessions and drives a blocking modal when it degrades.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
)

// Kind names the modal to show. Checks run in this priority order.
type Kind string

const (
	KindNone             Kind = ""
	KindLocationServices Kind = "location_services"
	KindForeground       Kind = "foreground_permission"
	KindBackground       Kind = "background_permission"
)

const (
	defaultPollInterval     = 3 * time.Second
	defaultForegroundSettle = 500 * time.Millisecond
)

// Modal is the UI surface for permission problems.
type Modal interface {
	Show(kind Kind)
	Hide()
}

// Device is the OS state read by the monitor. It never requests permissions.
type Device interface {
	ServicesEnabled(ctx context.Context) (bool, error)
	ForegroundPermission(ctx context.Context) (device.PermissionStatus, error)
	BackgroundPermission(ctx context.Context) (device.PermissionStatus, error)
	device.AppState
}

// SessionReader returns the current session.
type SessionReader interface {
	Session(ctx context.Context) (domain.Session, error)
}

// Options tunes polling.
type Options struct {
	PollInterval     time.Duration
	ForegroundSettle time.Duration
}

// Monitor polls the permission state and shows at most one modal at a time.
// A modal is shown on a transition into failure, not on every poll.
type Monitor struct {
	dev      Device
	sessions SessionReader
	modal    Modal
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	shown Kind
	bad   map[Kind]bool
}

// New creates a monitor. Run starts polling.
func New(dev Device, sessions SessionReader, modal Modal, opts Options, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ForegroundSettle <= 0 {
		opts.ForegroundSettle = defaultForegroundSettle
	}
	return &Monitor{
		dev:      dev,
		sessions: sessions,
		modal:    modal,
		opts:     opts,
		log:      logger,
		bad:      make(map[Kind]bool),
	}
}

// Run polls until ctx is done. A return to the foreground triggers an extra
// check after the settle delay, giving the OS time to publish permission
// changes the user made in settings.
func (m *Monitor) Run(ctx context.Context) {
	resumed := make(chan struct{}, 1)
	unsubscribe := m.dev.Subscribe(func(foreground bool) {
		if !foreground {
			return
		}
		select {
		case resumed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	settle := time.NewTimer(m.opts.ForegroundSettle)
	settle.Stop()
	defer settle.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		case <-resumed:
			settle.Reset(m.opts.ForegroundSettle)
		case <-settle.C:
			m.Check(ctx)
		}
	}
}

// Check evaluates the permission state once and updates the modal. It does
// nothing while the app is backgrounded or the session is not a driver.
func (m *Monitor) Check(ctx context.Context) Kind {
	if !m.dev.IsForeground() {
		return m.Shown()
	}
	sess, err := m.sessions.Session(ctx)
	if err != nil || !sess.IsDriver() {
		m.reset()
		return KindNone
	}

	state, ok := m.evaluate(ctx)
	if !ok {
		return m.Shown()
	}
	top := KindNone
	for _, k := range []Kind{KindLocationServices, KindForeground, KindBackground} {
		if state[k] {
			top = k
			break
		}
	}

	m.mu.Lock()
	prevBad := m.bad
	m.bad = state
	if top == KindNone {
		hide := m.shown != KindNone
		m.shown = KindNone
		m.mu.Unlock()
		if hide {
			m.log.Info("permissions restored; hiding modal")
			m.modal.Hide()
		}
		return KindNone
	}
	show := top != m.shown || !prevBad[top]
	if show {
		m.shown = top
	}
	m.mu.Unlock()

	if show {
		m.log.Warn("location permission problem", "kind", top)
		m.modal.Show(top)
	}
	return top
}

// Shown returns the modal currently displayed.
func (m *Monitor) Shown() Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shown
}

// Dismiss hides the modal without forgetting the failure, so it stays
// hidden until the state recovers and fails again.
func (m *Monitor) Dismiss() {
	m.mu.Lock()
	shown := m.shown
	m.mu.Unlock()
	if shown != KindNone {
		m.modal.Hide()
	}
}

func (m *Monitor) reset() {
	m.mu.Lock()
	hide := m.shown != KindNone
	m.shown = KindNone
	m.bad = make(map[Kind]bool)
	m.mu.Unlock()
	if hide {
		m.modal.Hide()
	}
}

// evaluate reports which categories are failing. ok is false when any read
// failed; the tick is then skipped so that a flaky read never hides a modal.
func (m *Monitor) evaluate(ctx context.Context) (state map[Kind]bool, ok bool) {
	enabled, err := m.dev.ServicesEnabled(ctx)
	if err != nil {
		m.log.Debug("services check failed", "err", err)
		return nil, false
	}
	fg, err := m.dev.ForegroundPermission(ctx)
	if err != nil {
		m.log.Debug("foreground permission check failed", "err", err)
		return nil, false
	}
	bg, err := m.dev.BackgroundPermission(ctx)
	if err != nil {
		m.log.Debug("background permission check failed", "err", err)
		return nil, false
	}
	return map[Kind]bool{
		KindLocationServices: !enabled,
		KindForeground:       fg != device.PermissionGranted,
		KindBackground:       bg != device.PermissionGranted,
	}, true
}
