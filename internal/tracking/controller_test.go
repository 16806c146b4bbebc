package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/device/sim"
	"github.com/buildorite/tracker/internal/domain"
)

func newTestController(dev Device) *Controller {
	return New(dev, Options{RestartSettle: 5 * time.Millisecond}, nil)
}

func TestStartTrackingHappyPath(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	c := newTestController(dev)

	if !c.StartTracking(context.Background(), "T1") {
		t.Fatalf("start failed: %s", c.State())
	}
	if got := c.State(); got.Phase != PhaseActive || got.TripID != "T1" {
		t.Fatalf("state = %s", got)
	}
	if c.ActiveTripID() != "T1" || !c.IsTracking() {
		t.Fatal("controller must report T1 as tracked")
	}
	opts := dev.TaskOptions()
	if opts.Accuracy != device.AccuracyBalanced || opts.TimeInterval != 10*time.Minute || opts.DistanceInterval != 50 {
		t.Fatalf("unexpected task options %+v", opts)
	}
	if opts.NotificationTitle == "" || !opts.ShowsBackgroundIcon {
		t.Fatalf("task must run with a foreground notification, got %+v", opts)
	}
}

func TestStartTrackingRestartsRunningTask(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	c := newTestController(dev)
	ctx := context.Background()

	if !c.StartTracking(ctx, "T1") || !c.StartTracking(ctx, "T1") {
		t.Fatal("start failed")
	}
	if dev.TaskStops() != 1 || dev.TaskStarts() != 2 {
		t.Fatalf("expected stop-then-restart, stops=%d starts=%d", dev.TaskStops(), dev.TaskStarts())
	}
}

func TestStartTrackingServicesDisabled(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetServicesEnabled(false)
	c := newTestController(dev)

	if c.StartTracking(context.Background(), "T1") {
		t.Fatal("start must fail with services disabled")
	}
	st := c.State()
	if st.Phase != PhaseFailed || st.Reason != domain.ReasonLocationServicesDisabled {
		t.Fatalf("state = %s", st)
	}
	f := c.Flags()
	if !f.LocationServicesDisabled || f.TrackingActive || f.IsLoading {
		t.Fatalf("flags = %+v", f)
	}
	if dev.TaskStarts() != 0 {
		t.Fatal("task must not start")
	}
	if n := dev.Notifications(); len(n) != 0 {
		t.Fatalf("foreground start must not notify, got %+v", n)
	}
}

func TestStartTrackingFromBackgroundNotifiesInsteadOfPrompting(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetForeground(false)
	dev.SetPermissions(device.PermissionGranted, device.PermissionUndetermined)
	c := newTestController(dev)

	if c.StartTracking(context.Background(), "T1") {
		t.Fatal("start must fail")
	}
	if dev.PermissionRequests() != 0 {
		t.Fatal("permission dialogs cannot be shown from the background")
	}
	if got := c.State().Reason; got != domain.ReasonBackgroundPermissionDenied {
		t.Fatalf("reason = %q", got)
	}
	notes := dev.Notifications()
	if len(notes) != 1 || notes[0].Data["action"] != ActionPermissionRequired || notes[0].Data["tripId"] != "T1" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
}

func TestCheckPermissionsPromptsOnlyWhenUndetermined(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetPermissions(device.PermissionDenied, device.PermissionUndetermined)
	c := newTestController(dev)
	ctx := context.Background()

	check := c.CheckPermissions(ctx, "", false)
	if check.OK() || check.Reason != domain.ReasonForegroundPermissionDenied {
		t.Fatalf("check = %+v", check)
	}
	if dev.PermissionRequests() != 0 {
		t.Fatal("a denied permission must never be re-prompted")
	}
	if !c.Flags().PermissionDenied {
		t.Fatal("flags must reflect the denial")
	}

	dev.SetPermissions(device.PermissionUndetermined, device.PermissionUndetermined)
	check = c.CheckPermissions(ctx, "", false)
	if !check.OK() {
		t.Fatalf("check = %+v", check)
	}
	if dev.PermissionRequests() != 2 {
		t.Fatalf("expected one prompt per undetermined permission, got %d", dev.PermissionRequests())
	}
	if c.State().Phase != PhaseIdle {
		t.Fatalf("passing check must clear permission errors, state = %s", c.State())
	}
}

func TestStartTrackingForegroundServiceBackgrounded(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetForeground(false)
	c := newTestController(dev)

	if c.StartTracking(context.Background(), "T1") {
		t.Fatal("start must fail while backgrounded")
	}
	st := c.State()
	if st.Reason != domain.ReasonForegroundServiceBackgrounded || !errors.Is(st.Err, domain.ErrForegroundServiceBackgrounded) {
		t.Fatalf("state = %s err=%v", st, st.Err)
	}
	notes := dev.Notifications()
	if len(notes) != 1 || notes[0].Data["action"] != ActionBringToForegroundError {
		t.Fatalf("expected a bring-to-foreground notification, got %+v", notes)
	}
}

type revokingDevice struct {
	*sim.Device
}

func (d revokingDevice) StartLocationTask(context.Context, device.TaskOptions) error {
	d.SetPermissions(device.PermissionGranted, device.PermissionDenied)
	return domain.ErrPermissionRevoked
}

func TestStartTrackingPermissionRevokedRefreshesFlags(t *testing.T) {
	t.Parallel()
	dev := revokingDevice{sim.New()}
	c := newTestController(dev)

	if c.StartTracking(context.Background(), "T1") {
		t.Fatal("start must fail")
	}
	if got := c.State().Reason; got != domain.ReasonBackgroundPermissionDenied {
		t.Fatalf("reason = %q", got)
	}
	if !c.Flags().NeedsBackgroundPermission {
		t.Fatal("flags must be refreshed after revocation")
	}
}

func TestStartTrackingTechnicalError(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetStartError(errors.New("provider unavailable"))
	c := newTestController(dev)

	if c.StartTracking(context.Background(), "T1") {
		t.Fatal("start must fail")
	}
	st := c.State()
	var te *domain.TrackingError
	if st.Reason != domain.ReasonTechnicalError || !errors.As(st.Err, &te) || te.TripID != "T1" {
		t.Fatalf("state = %s err=%v", st, st.Err)
	}
	if c.Flags().Error == "" {
		t.Fatal("technical errors must surface a message")
	}
}

func TestStopTrackingIsIdempotent(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	c := newTestController(dev)
	ctx := context.Background()

	if !c.StopTracking(ctx) {
		t.Fatal("stop with nothing running must succeed")
	}
	if dev.TaskStops() != 0 {
		t.Fatal("no OS stop call expected when nothing runs")
	}
	if c.Flags().TrackingActive {
		t.Fatal("trackingActive must be false")
	}

	c.StartTracking(ctx, "T1")
	dev.SetStopError(errors.New("os refused"))
	if c.StopTracking(ctx) {
		t.Fatal("failed OS stop must be reported")
	}
	f := c.Flags()
	if f.TrackingActive || f.IsLoading {
		t.Fatalf("flags must be cleared even when stop fails, got %+v", f)
	}
}

func TestSyncTrackingStateReconciles(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	c := newTestController(dev)
	ctx := context.Background()

	c.StartTracking(ctx, "T1")
	dev.KillTask()
	if c.SyncTrackingState(ctx, "T1") {
		t.Fatal("OS reports the task stopped")
	}
	if c.IsTracking() {
		t.Fatal("controller must drop a task the OS killed")
	}

	if err := dev.StartLocationTask(ctx, device.TaskOptions{}); err != nil {
		t.Fatal(err)
	}
	if !c.SyncTrackingState(ctx, "T9") {
		t.Fatal("OS reports the task running")
	}
	if c.ActiveTripID() != "T9" {
		t.Fatalf("running task must be adopted, state = %s", c.State())
	}
}

func TestTrackingStatusDoesNotPrompt(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetPermissions(device.PermissionUndetermined, device.PermissionUndetermined)
	c := newTestController(dev)

	st := c.TrackingStatus(context.Background())
	if st.TaskRunning || st.Permissions.OK() {
		t.Fatalf("status = %+v", st)
	}
	if dev.PermissionRequests() != 0 {
		t.Fatal("status must not show dialogs")
	}
	if c.State().Phase != PhaseIdle {
		t.Fatalf("status must not change state, got %s", c.State())
	}
}

func TestFlagsAreMutuallyExclusive(t *testing.T) {
	t.Parallel()
	states := []State{
		idle(),
		starting("T1"),
		active("T1"),
		stopping("T1"),
		failed(domain.ReasonLocationServicesDisabled, nil),
		failed(domain.ReasonForegroundPermissionDenied, nil),
		failed(domain.ReasonBackgroundPermissionDenied, nil),
		failed(domain.ReasonTechnicalError, errors.New("x")),
	}
	for _, s := range states {
		f := s.Flags()
		perm := f.PermissionDenied || f.LocationServicesDisabled || f.NeedsBackgroundPermission
		if f.TrackingActive && (perm || f.IsLoading || f.Error != "") {
			t.Fatalf("impossible flag combination for %s: %+v", s, f)
		}
	}
}
