package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/device/sim"
	"github.com/buildorite/tracker/internal/domain"
)

type fakeModal struct {
	mu    sync.Mutex
	shows []Kind
	hides int
}

func (m *fakeModal) Show(kind Kind) {
	m.mu.Lock()
	m.shows = append(m.shows, kind)
	m.mu.Unlock()
}

func (m *fakeModal) Hide() {
	m.mu.Lock()
	m.hides++
	m.mu.Unlock()
}

func (m *fakeModal) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shows), m.hides
}

type staticSession domain.Session

func (s staticSession) Session(context.Context) (domain.Session, error) {
	return domain.Session(s), nil
}

var driver = staticSession{UserID: "d1", Role: domain.RoleDriver}

func TestDeniedAcrossTicksShowsModalOnce(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetPermissions(device.PermissionDenied, device.PermissionDenied)
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if got := m.Check(ctx); got != KindForeground {
			t.Fatalf("tick %d: kind = %q", i, got)
		}
	}
	if shows, _ := modal.counts(); shows != 1 {
		t.Fatalf("expected one modal, got %d", shows)
	}
}

func TestServicesDisabledTakesPriority(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetServicesEnabled(false)
	dev.SetPermissions(device.PermissionDenied, device.PermissionDenied)
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{}, nil)
	ctx := context.Background()

	if got := m.Check(ctx); got != KindLocationServices {
		t.Fatalf("kind = %q", got)
	}

	// Fixing services exposes the next failing check.
	dev.SetServicesEnabled(true)
	if got := m.Check(ctx); got != KindForeground {
		t.Fatalf("kind = %q", got)
	}
	if len(modal.shows) != 2 || modal.shows[1] != KindForeground {
		t.Fatalf("shows = %v", modal.shows)
	}
}

func TestModalHiddenOnlyWhenAllChecksPass(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetPermissions(device.PermissionGranted, device.PermissionDenied)
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{}, nil)
	ctx := context.Background()

	m.Check(ctx)
	dev.SetPermissions(device.PermissionGranted, device.PermissionGranted)
	if got := m.Check(ctx); got != KindNone {
		t.Fatalf("kind = %q", got)
	}
	if _, hides := modal.counts(); hides != 1 {
		t.Fatalf("expected one hide, got %d", hides)
	}

	// A new failure after recovery is a fresh transition.
	dev.SetPermissions(device.PermissionGranted, device.PermissionDenied)
	m.Check(ctx)
	if shows, _ := modal.counts(); shows != 2 {
		t.Fatalf("expected the modal again after a new failure, got %d", shows)
	}
}

func TestDismissedModalStaysHidden(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetServicesEnabled(false)
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{}, nil)
	ctx := context.Background()

	m.Check(ctx)
	m.Dismiss()
	m.Check(ctx)
	m.Check(ctx)
	shows, hides := modal.counts()
	if shows != 1 || hides != 1 {
		t.Fatalf("shows=%d hides=%d", shows, hides)
	}
}

func TestSuppressedInBackgroundAndForNonDrivers(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	dev.SetServicesEnabled(false)
	dev.SetForeground(false)
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{}, nil)
	ctx := context.Background()

	m.Check(ctx)
	if shows, _ := modal.counts(); shows != 0 {
		t.Fatal("no modal may be shown while backgrounded")
	}

	dev.SetForeground(true)
	owner := New(dev, staticSession{UserID: "o1", Role: domain.RoleMineOwner}, modal, Options{}, nil)
	if got := owner.Check(ctx); got != KindNone {
		t.Fatalf("kind = %q", got)
	}
	if shows, _ := modal.counts(); shows != 0 {
		t.Fatal("monitor is for drivers only")
	}
}

func TestRunRechecksAfterForegroundSettle(t *testing.T) {
	t.Parallel()
	dev := sim.New()
	modal := &fakeModal{}
	m := New(dev, driver, modal, Options{PollInterval: time.Hour, ForegroundSettle: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Let the initial check pass with everything granted.
	time.Sleep(20 * time.Millisecond)
	dev.SetForeground(false)
	dev.SetServicesEnabled(false)
	dev.SetForeground(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Shown() == KindLocationServices {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("monitor did not re-check after returning to the foreground")
}
