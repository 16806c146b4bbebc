// Package background handles location updates delivered by the OS background
// task. The handler may run while the app process is suspended or freshly
// relaunched, so it keeps no state between invocations: every call reads the
// persisted session and active trip and dials its own realtime connection.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/realtime"
	"github.com/buildorite/tracker/internal/realtimeproto"
)

const (
	defaultRetries   = 3
	defaultRetryBase = 2 * time.Second
)

// Error categories reported in trackingError events.
const (
	CategoryLocationServices = "location_services_disabled"
	CategoryPermission       = "permission_denied"
	CategoryLocation         = "location_unavailable"
)

// Conn is the realtime connection used for one invocation.
type Conn interface {
	EnsureConnected(ctx context.Context) error
	Emit(event string, payload any) error
	On(event string, h realtime.Handler)
	Disconnect()
}

// Dialer builds a fresh, not yet connected [Conn] for sess.
type Dialer func(sess domain.Session) Conn

// Store is the persisted state read and written by the handler.
//
// Reads: Session, ActiveTrip. Writes: PostStartRequest, which the foreground
// orchestrator drains with TakeStartRequest.
type Store interface {
	Session(ctx context.Context) (domain.Session, error)
	ActiveTrip(ctx context.Context) (domain.ActiveTrip, error)
	PostStartRequest(ctx context.Context, req domain.PendingTrackingRequest) error
}

// TaskEvent is one invocation of the OS background task.
type TaskEvent struct {
	Data []domain.LocationSample
	Err  error
}

// Options tunes delivery retries.
type Options struct {
	// Retries after the first attempt.
	Retries int
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	} else if o.Retries == 0 {
		o.Retries = defaultRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	return o
}

// Payloads are the location messages prepared from one sample. Trip is nil
// when no trip is active.
type Payloads struct {
	Generic realtimeproto.DriverLocationUpdate
	Trip    *realtimeproto.DriverTrackingLocationUpdate
}

// Handler processes background task invocations.
type Handler struct {
	store Store
	dial  Dialer
	opts  Options
	log   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a handler.
func New(store Store, dial Dialer, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store: store,
		dial:  dial,
		opts:  opts.withDefaults(),
		log:   logger,
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Handle processes one task invocation. Skipped invocations return nil.
func (h *Handler) Handle(ctx context.Context, ev TaskEvent) error {
	if ev.Err != nil {
		return h.handleTaskError(ctx, ev.Err)
	}
	if len(ev.Data) == 0 {
		return nil
	}
	if len(ev.Data) > 1 {
		h.log.Debug("background task delivered a batch; using first sample", "count", len(ev.Data))
	}

	sess, err := h.store.Session(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !sess.Authenticated() {
		h.log.Debug("background location skipped; no user")
		return nil
	}
	trip, err := h.store.ActiveTrip(ctx)
	if err != nil {
		h.log.Warn("read active trip failed; sending without trip", "err", err)
		trip = domain.ActiveTrip{}
	}
	return h.deliver(ctx, sess, Prepare(sess, trip, ev.Data[0]))
}

// Prepare builds the generic payload and, when a trip is active, the
// trip-scoped payload for sample.
func Prepare(sess domain.Session, trip domain.ActiveTrip, sample domain.LocationSample) Payloads {
	ts := realtimeproto.Millis(sample.Timestamp)
	p := Payloads{Generic: realtimeproto.DriverLocationUpdate{
		DriverID:    sess.UserID,
		Coordinates: sample.Coordinates,
		Accuracy:    sample.Accuracy,
		Timestamp:   ts,
		Source:      realtimeproto.SourceBackgroundTask,
	}}
	if trip.Active() {
		p.Trip = &realtimeproto.DriverTrackingLocationUpdate{
			TripID:      trip.TripID,
			DriverID:    sess.UserID,
			Coordinates: sample.Coordinates,
			Accuracy:    sample.Accuracy,
			Timestamp:   ts,
			Source:      realtimeproto.SourceBackgroundTripTask,
		}
	}
	return p
}

func (h *Handler) deliver(ctx context.Context, sess domain.Session, p Payloads) error {
	conn := h.dial(sess)
	defer conn.Disconnect()
	conn.On(realtimeproto.EventRequestLocationUpdates, h.forwardStartRequest)

	attempts := h.opts.Retries + 1
	delay := h.opts.RetryBase
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = h.send(ctx, conn, sess, p)
		if lastErr == nil {
			h.log.Debug("background location sent", "driver_id", sess.UserID, "attempt", attempt)
			return nil
		}
		if attempt == attempts {
			break
		}
		h.log.Warn("background location send failed", "driver_id", sess.UserID, "attempt", attempt, "retry_in", delay, "err", lastErr)
		if err := h.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}

	h.log.Error("background location send gave up", "driver_id", sess.UserID, "attempts", attempts, "err", lastErr)
	_ = conn.Emit(realtimeproto.EventDriverLocationError, realtimeproto.DriverLocationError{
		DriverID:  sess.UserID,
		Error:     "background_send_failed",
		Message:   lastErr.Error(),
		Timestamp: realtimeproto.Millis(h.now()),
	})
	return fmt.Errorf("background location: %w", lastErr)
}

func (h *Handler) send(ctx context.Context, conn Conn, sess domain.Session, p Payloads) error {
	if err := conn.EnsureConnected(ctx); err != nil {
		return err
	}
	if err := conn.Emit(realtimeproto.EventAuthenticate, realtimeproto.Authenticate{UserID: sess.UserID}); err != nil {
		return err
	}
	if err := conn.Emit(realtimeproto.EventDriverLocationUpdate, p.Generic); err != nil {
		return err
	}
	if p.Trip == nil {
		return nil
	}
	upd := *p.Trip
	upd.Source = realtimeproto.SourceBackgroundTripTracking
	return conn.Emit(realtimeproto.EventDriverTrackingLocationUpdate, upd)
}

// forwardStartRequest hands a start trigger seen on the background
// connection to the foreground orchestrator through the store mailbox.
func (h *Handler) forwardStartRequest(msg realtimeproto.Message) {
	var req realtimeproto.TripRequest
	if err := msg.Decode(&req); err != nil || req.TripID == "" {
		h.log.Warn("ignoring malformed start request", "err", err)
		return
	}
	err := h.store.PostStartRequest(context.Background(), domain.PendingTrackingRequest{
		ID:        uuid.NewString(),
		TripID:    req.TripID,
		Timestamp: h.now(),
		Source:    domain.SourceBackgroundTask,
	})
	if err != nil {
		h.log.Error("forward start request failed", "trip_id", req.TripID, "err", err)
		return
	}
	h.log.Info("start request forwarded to foreground", "trip_id", req.TripID)
}

func (h *Handler) handleTaskError(ctx context.Context, taskErr error) error {
	category := Classify(taskErr)
	h.log.Warn("background task error", "category", category, "err", taskErr)
	if category == "" {
		return nil
	}
	trip, err := h.store.ActiveTrip(ctx)
	if err != nil || !trip.Active() {
		return err
	}
	sess, err := h.store.Session(ctx)
	if err != nil {
		return err
	}

	conn := h.dial(sess)
	defer conn.Disconnect()
	if err := conn.EnsureConnected(ctx); err != nil {
		h.log.Warn("tracking error not reported", "trip_id", trip.TripID, "err", err)
		return nil
	}
	_ = conn.Emit(realtimeproto.EventTrackingError, realtimeproto.TrackingError{
		TripID:    trip.TripID,
		Error:     category,
		Message:   taskErr.Error(),
		Timestamp: realtimeproto.Millis(h.now()),
	})
	return nil
}

// Classify maps a task error message to a trackingError category, or ""
// when the error is not location related.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "location service"):
		return CategoryLocationServices
	case strings.Contains(msg, "permission"):
		return CategoryPermission
	case strings.Contains(msg, "location"):
		return CategoryLocation
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Conn = (*realtime.Channel)(nil)
