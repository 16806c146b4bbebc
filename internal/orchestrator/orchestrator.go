// Package orchestrator turns start and stop triggers from the realtime
// channel, push notifications and the background task into calls on the
// tracking controller, and reports every outcome back to the server.
//
// At most one trip is tracked at a time. A start request for a trip that is
// already being processed is dropped, so a notification tap racing a socket
// event for the same trip produces one acknowledgement and one response.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/realtime"
	"github.com/buildorite/tracker/internal/realtimeproto"
	"github.com/buildorite/tracker/internal/tracking"
)

const (
	defaultPendingTTL   = 10 * time.Minute
	defaultResumeSettle = time.Second
	locationReadTimeout = 15 * time.Second
	cleanupWriteTimeout = 5 * time.Second
)

var errSuperseded = errors.New("superseded by another trip")

// Channel is the realtime surface the orchestrator talks to.
type Channel interface {
	Connect()
	Emit(event string, payload any) error
	On(event string, h realtime.Handler)
}

// Tracker is the tracking controller.
type Tracker interface {
	CheckPermissions(ctx context.Context, tripID string, showNotifications bool) tracking.PermissionCheck
	StartTracking(ctx context.Context, tripID string) bool
	StopTracking(ctx context.Context) bool
	SyncTrackingState(ctx context.Context, tripID string) bool
	IsTracking() bool
	ActiveTripID() string
	State() tracking.State
}

// Store is the persisted state used by the orchestrator.
//
// Writes: SetActiveTripID, ClearActiveTrip, ClearActiveTripIf,
// MarkTrackingToastShown.
// Reads: Session, ActiveTrip, TakeStartRequest (drains what the background
// handler posted).
type Store interface {
	Session(ctx context.Context) (domain.Session, error)
	ActiveTrip(ctx context.Context) (domain.ActiveTrip, error)
	SetActiveTripID(ctx context.Context, tripID string) error
	ClearActiveTrip(ctx context.Context) error
	ClearActiveTripIf(ctx context.Context, tripID string) (bool, error)
	MarkTrackingToastShown(ctx context.Context) error
	TakeStartRequest(ctx context.Context) (domain.PendingTrackingRequest, bool, error)
}

// Device is the subset of OS services the orchestrator uses.
type Device interface {
	device.Notifier
	device.Locator
	device.AppState
}

// Options tunes the pending-request replay.
type Options struct {
	PendingTTL   time.Duration
	ResumeSettle time.Duration
}

// Result describes how a start or stop request ended.
type Result struct {
	Status    string
	Reason    string
	Duplicate bool
	// ShowToast is set the first time tracking starts for a trip.
	ShowToast bool
}

// Orchestrator coordinates trip tracking for the foreground app process.
type Orchestrator struct {
	ch      Channel
	tracker Tracker
	store   Store
	dev     Device
	opts    Options
	log     *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// opMu serializes start and stop so that at most one trip is tracked.
	opMu sync.Mutex

	mu          sync.Mutex
	processing  map[string]struct{}
	pending     *domain.PendingTrackingRequest
	marketplace MarketplaceHandler

	closed      bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. Call Bind to start receiving triggers.
func New(ch Channel, tracker Tracker, store Store, dev Device, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.ResumeSettle < 0 {
		opts.ResumeSettle = 0
	} else if opts.ResumeSettle == 0 {
		opts.ResumeSettle = defaultResumeSettle
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ch:         ch,
		tracker:    tracker,
		store:      store,
		dev:        dev,
		opts:       opts,
		log:        logger,
		now:        time.Now,
		sleep:      sleepCtx,
		processing: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Bind registers the inbound channel listeners and subscribes to app state
// transitions. Listeners run asynchronously so the channel read loop is
// never blocked by permission or OS calls.
func (o *Orchestrator) Bind() {
	o.ch.On(realtimeproto.EventRequestLocationUpdates, func(msg realtimeproto.Message) {
		if tripID, ok := o.tripID(msg); ok {
			o.goAsync(func(ctx context.Context) { o.HandleStartTrackingRequest(ctx, tripID, domain.SourceSocket) })
		}
	})
	o.ch.On(realtimeproto.EventStopLocationUpdates, func(msg realtimeproto.Message) {
		var req realtimeproto.TripRequest
		_ = msg.Decode(&req)
		o.goAsync(func(ctx context.Context) { o.HandleStopTrackingRequest(ctx, req.TripID) })
	})
	o.ch.On(realtimeproto.EventRequestImmediateLocation, func(msg realtimeproto.Message) {
		var req realtimeproto.TripRequest
		_ = msg.Decode(&req)
		o.goAsync(func(ctx context.Context) { o.SendImmediateLocation(ctx, req.TripID) })
	})
	unsubscribe := o.dev.Subscribe(func(foreground bool) {
		o.goAsync(func(ctx context.Context) { o.HandleAppStateChange(ctx, foreground) })
	})
	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()
}

// Close stops accepting triggers, cancels in-flight handlers and waits for
// them to return. A start canceled this way is rolled back.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) goAsync(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) tripID(msg realtimeproto.Message) (string, bool) {
	var req realtimeproto.TripRequest
	if err := msg.Decode(&req); err != nil || req.TripID == "" {
		o.log.Warn("ignoring request without trip id", "event", msg.Event, "err", err)
		return "", false
	}
	return req.TripID, true
}

// Pending returns the queued start request, if any.
func (o *Orchestrator) Pending() (domain.PendingTrackingRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return domain.PendingTrackingRequest{}, false
	}
	return *o.pending, true
}

func (o *Orchestrator) begin(tripID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.processing[tripID]; busy {
		return false
	}
	o.processing[tripID] = struct{}{}
	return true
}

func (o *Orchestrator) end(tripID string) {
	o.mu.Lock()
	delete(o.processing, tripID)
	o.mu.Unlock()
}

// HandleStartTrackingRequest is the single entry point for every start
// trigger.
func (o *Orchestrator) HandleStartTrackingRequest(ctx context.Context, tripID string, source domain.Source) Result {
	if tripID == "" {
		return Result{Status: realtimeproto.StatusFailed, Reason: domain.ReasonTechnicalError}
	}
	if !o.begin(tripID) {
		o.log.Debug("start request already in progress", "trip_id", tripID, "source", source)
		return Result{Duplicate: true}
	}
	defer o.end(tripID)

	log := o.log.With("trip_id", tripID, "source", source)
	log.Info("start tracking requested")
	o.emit(realtimeproto.EventTrackingRequestReceived, realtimeproto.TrackingRequestReceived{
		TripID: tripID,
		Status: realtimeproto.StatusReceived,
	})

	o.opMu.Lock()
	defer o.opMu.Unlock()

	trip, err := o.store.ActiveTrip(ctx)
	if err != nil {
		log.Error("read active trip failed", "err", err)
		return o.respondFailed(tripID, domain.ReasonTechnicalError, err)
	}
	if trip.TripID == tripID && o.tracker.IsTracking() {
		log.Info("trip already tracked")
		return o.respond(tripID, realtimeproto.StatusAlreadyTracking, domain.ReasonAlreadyTracking)
	}
	if trip.Active() && trip.TripID != tripID {
		log.Info("stopping previous trip", "previous_trip_id", trip.TripID)
		o.tracker.StopTracking(ctx)
		o.clearTripIf(ctx, trip.TripID)
		trip = domain.ActiveTrip{}
	}

	foreground := o.dev.IsForeground()
	check := o.tracker.CheckPermissions(ctx, tripID, !foreground)
	if !check.OK() {
		log.Warn("tracking refused by permission gate", "reason", check.Reason)
		return o.respondFailed(tripID, check.Reason, check.Err)
	}

	if !foreground {
		o.queuePending(ctx, tripID, source)
		return o.respond(tripID, realtimeproto.StatusPending, domain.ReasonForegroundServiceBackgrounded)
	}

	if err := o.store.SetActiveTripID(ctx, tripID); err != nil {
		log.Error("persist active trip failed", "err", err)
		return o.respondFailed(tripID, domain.ReasonTechnicalError, err)
	}
	if !o.tracker.StartTracking(ctx, tripID) {
		o.clearTripIf(ctx, tripID)
		st := o.tracker.State()
		reason := st.Reason
		if reason == "" {
			reason = domain.ReasonTechnicalError
		}
		cause := st.Err
		if cause == nil {
			cause = ctx.Err()
		}
		log.Warn("tracking start failed", "reason", reason, "err", cause)
		return o.respondFailed(tripID, reason, cause)
	}
	if current := o.tracker.ActiveTripID(); current != tripID {
		log.Warn("tracking taken over by another trip", "current_trip_id", current)
		o.clearTripIf(ctx, tripID)
		return o.respondFailed(tripID, domain.ReasonTechnicalError, &domain.TrackingError{TripID: tripID, Op: "start", Err: errSuperseded})
	}

	res := o.respond(tripID, realtimeproto.StatusStarted, "")
	if !trip.HasShownTrackingToast {
		if err := o.store.MarkTrackingToastShown(ctx); err != nil {
			log.Warn("persist toast flag failed", "err", err)
		}
		res.ShowToast = true
	}
	return res
}

// clearTripIf removes the persisted trip while it is still tripID. It runs
// detached from ctx so a canceled request still leaves no stale trip behind.
func (o *Orchestrator) clearTripIf(ctx context.Context, tripID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupWriteTimeout)
	defer cancel()
	if _, err := o.store.ClearActiveTripIf(ctx, tripID); err != nil {
		o.log.Error("clear active trip failed", "trip_id", tripID, "err", err)
	}
}

func (o *Orchestrator) queuePending(ctx context.Context, tripID string, source domain.Source) {
	req := domain.PendingTrackingRequest{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Timestamp: o.now(),
		Source:    source,
	}
	o.mu.Lock()
	o.pending = &req
	o.mu.Unlock()
	o.log.Info("start request queued until foreground", "trip_id", tripID, "request_id", req.ID)

	err := o.dev.Notify(ctx, device.Notification{
		Title: "Trip ready to track",
		Body:  "Open the app to start sharing your location for this delivery.",
		Data:  map[string]string{"action": tracking.ActionBringToForeground, "tripId": tripID},
	})
	if err != nil {
		o.log.Warn("foreground notification failed", "trip_id", tripID, "err", err)
	}
}

// HandleStopTrackingRequest stops tracking. An empty tripID stops whatever
// is tracked. The active trip is cleared even when the OS stop fails.
func (o *Orchestrator) HandleStopTrackingRequest(ctx context.Context, tripID string) Result {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	trip, err := o.store.ActiveTrip(ctx)
	if err != nil {
		o.log.Error("read active trip failed", "err", err)
	}
	o.dropPending(tripID)

	current := trip.TripID
	if current == "" {
		current = o.tracker.ActiveTripID()
	}
	if current == "" && !o.tracker.IsTracking() {
		o.emit(realtimeproto.EventStopTrackingResponse, realtimeproto.StopTrackingResponse{
			Status: realtimeproto.StatusNotTracking,
			TripID: tripID,
		})
		return Result{Status: realtimeproto.StatusNotTracking, Reason: domain.ReasonNoActiveTrip}
	}
	if tripID != "" && current != "" && tripID != current {
		o.log.Warn("stop request for another trip", "trip_id", tripID, "current_trip_id", current)
		o.emit(realtimeproto.EventStopTrackingResponse, realtimeproto.StopTrackingResponse{
			Status:      realtimeproto.StatusDifferentTrip,
			TripID:      tripID,
			CurrentTrip: current,
		})
		return Result{Status: realtimeproto.StatusDifferentTrip, Reason: domain.ReasonDifferentTrip}
	}

	// Once committed the stop runs to completion even if ctx is canceled.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupWriteTimeout)
	defer cancel()
	if !o.tracker.StopTracking(stopCtx) {
		o.log.Warn("location task stop reported failure", "trip_id", current)
	}
	if err := o.store.ClearActiveTrip(stopCtx); err != nil {
		o.log.Error("clear active trip failed", "err", err)
	}
	stopped := current
	if stopped == "" {
		stopped = tripID
	}
	o.log.Info("tracking stopped", "trip_id", stopped)
	o.emit(realtimeproto.EventStopTrackingResponse, realtimeproto.StopTrackingResponse{
		Status: realtimeproto.StatusStopped,
		TripID: stopped,
	})
	return Result{Status: realtimeproto.StatusStopped}
}

func (o *Orchestrator) dropPending(tripID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil && (tripID == "" || o.pending.TripID == tripID) {
		o.pending = nil
	}
}

// HandleAppStateChange reconciles with the OS on every transition. Entering
// the foreground reconnects the channel, stops a task no trip owns and
// replays a valid pending request; entering the background reports a task
// that stopped behind the app's back.
func (o *Orchestrator) HandleAppStateChange(ctx context.Context, foreground bool) {
	if !foreground {
		trip, err := o.store.ActiveTrip(ctx)
		if err != nil {
			o.log.Error("read active trip failed", "err", err)
		}
		o.onBackground(ctx, trip)
		return
	}

	if sess, err := o.store.Session(ctx); err == nil && sess.Authenticated() {
		o.ch.Connect()
	}
	o.reconcileForeground(ctx)

	req, ok := o.takePending(ctx)
	if !ok {
		return
	}
	if req.Expired(o.now(), o.opts.PendingTTL) {
		o.log.Info("discarding expired start request", "trip_id", req.TripID, "age", o.now().Sub(req.Timestamp))
		return
	}
	if err := o.sleep(ctx, o.opts.ResumeSettle); err != nil {
		return
	}
	// Mailbox entries keep their background origin.
	source := domain.SourceForegroundResume
	if req.Source == domain.SourceBackgroundTask {
		source = domain.SourceBackgroundTask
	}
	o.log.Info("replaying start request", "trip_id", req.TripID, "request_id", req.ID, "source", source)
	o.HandleStartTrackingRequest(ctx, req.TripID, source)
}

// reconcileForeground adopts the task of the persisted trip and stops a
// running task that no trip owns.
func (o *Orchestrator) reconcileForeground(ctx context.Context) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	trip, err := o.store.ActiveTrip(ctx)
	if err != nil {
		o.log.Error("read active trip failed", "err", err)
	}
	owner := trip.TripID
	if owner == "" {
		owner = o.tracker.ActiveTripID()
	}
	running := o.tracker.SyncTrackingState(ctx, owner)
	switch {
	case running && owner == "" && err == nil:
		o.log.Info("stopping orphaned location task")
		o.tracker.StopTracking(ctx)
	case trip.Active() && !running:
		o.log.Warn("active trip has no running location task", "trip_id", trip.TripID)
	}
}

func (o *Orchestrator) onBackground(ctx context.Context, trip domain.ActiveTrip) {
	if !o.tracker.IsTracking() {
		return
	}
	tripID := o.tracker.State().TripID
	if tripID == "" {
		tripID = trip.TripID
	}
	if o.tracker.SyncTrackingState(ctx, tripID) {
		return
	}
	o.log.Warn("location task stopped unexpectedly", "trip_id", tripID)
	o.emit(realtimeproto.EventTrackingInterrupted, realtimeproto.TrackingInterrupted{
		TripID: tripID,
		Reason: "task_stopped",
	})
}

// takePending consumes the in-memory request and the store mailbox. When
// both hold a request the newer one wins.
func (o *Orchestrator) takePending(ctx context.Context) (domain.PendingTrackingRequest, bool) {
	o.mu.Lock()
	mem := o.pending
	o.pending = nil
	o.mu.Unlock()

	box, ok, err := o.store.TakeStartRequest(ctx)
	if err != nil {
		o.log.Error("read start request mailbox failed", "err", err)
		ok = false
	}
	switch {
	case mem != nil && ok:
		if box.Timestamp.After(mem.Timestamp) {
			return box, true
		}
		return *mem, true
	case mem != nil:
		return *mem, true
	default:
		return box, ok
	}
}

// SendImmediateLocation answers a server request for the current position.
func (o *Orchestrator) SendImmediateLocation(ctx context.Context, tripID string) {
	sess, err := o.store.Session(ctx)
	if err != nil || !sess.IsDriver() {
		o.log.Debug("immediate location skipped; no driver session", "err", err)
		return
	}
	if tripID == "" {
		if trip, err := o.store.ActiveTrip(ctx); err == nil {
			tripID = trip.TripID
		}
	}

	readCtx, cancel := context.WithTimeout(ctx, locationReadTimeout)
	defer cancel()
	loc, err := o.dev.CurrentLocation(readCtx)
	if err != nil {
		o.log.Warn("immediate location read failed", "trip_id", tripID, "err", err)
		o.emit(realtimeproto.EventDriverLocationError, realtimeproto.DriverLocationError{
			DriverID:  sess.UserID,
			Error:     "location_unavailable",
			Message:   err.Error(),
			Timestamp: realtimeproto.Millis(o.now()),
		})
		return
	}
	if tripID == "" {
		o.emit(realtimeproto.EventDriverLocationUpdate, realtimeproto.DriverLocationUpdate{
			DriverID:    sess.UserID,
			Coordinates: loc.Coordinates,
			Accuracy:    loc.Accuracy,
			Timestamp:   realtimeproto.Millis(loc.Timestamp),
			Source:      realtimeproto.SourceImmediateRequest,
		})
		return
	}
	o.emit(realtimeproto.EventDriverTrackingLocationUpdate, realtimeproto.DriverTrackingLocationUpdate{
		TripID:      tripID,
		DriverID:    sess.UserID,
		Coordinates: loc.Coordinates,
		Accuracy:    loc.Accuracy,
		Timestamp:   realtimeproto.Millis(loc.Timestamp),
		Source:      realtimeproto.SourceImmediateRequest,
	})
}

func (o *Orchestrator) respond(tripID, status, reason string) Result {
	resp := realtimeproto.TrackingRequestResponse{TripID: tripID, Status: status, Reason: reason}
	if reason != "" {
		resp.Message = domain.ReasonMessage(reason)
	}
	o.emit(realtimeproto.EventTrackingRequestResponse, resp)
	return Result{Status: status, Reason: reason}
}

func (o *Orchestrator) respondFailed(tripID, reason string, cause error) Result {
	msg := domain.ReasonMessage(reason)
	if reason == domain.ReasonTechnicalError && cause != nil {
		msg = msg + ": " + cause.Error()
	}
	o.emit(realtimeproto.EventTrackingRequestResponse, realtimeproto.TrackingRequestResponse{
		TripID:  tripID,
		Status:  realtimeproto.StatusFailed,
		Reason:  reason,
		Message: msg,
	})
	return Result{Status: realtimeproto.StatusFailed, Reason: reason}
}

// emit never fails the caller; the channel already logs dropped messages.
func (o *Orchestrator) emit(event string, payload any) {
	_ = o.ch.Emit(event, payload)
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
