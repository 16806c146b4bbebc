package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buildorite/tracker/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenWithOptions(filepath.Join(t.TempDir(), "tracker.db"), OpenOptions{TokenKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionRoundTripSealsToken(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Authenticated() {
		t.Fatalf("expected empty session on fresh store, got %+v", sess)
	}

	want := domain.Session{UserID: "u1", Role: domain.RoleDriver, AccessToken: "secret-token"}
	if err := store.SaveSession(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := store.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	var raw string
	if err := store.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, keyAccessToken).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "secret-token") {
		t.Fatal("access token must not be stored in plain text")
	}

	if err := store.ClearSession(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = store.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Authenticated() || got.AccessToken != "" {
		t.Fatalf("expected cleared session, got %+v", got)
	}
}

func TestSessionFallsBackToTokenClaims(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   "driver-7",
		"role": "driver",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("server-only-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSession(ctx, domain.Session{AccessToken: token}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "driver-7" || got.Role != domain.RoleDriver {
		t.Fatalf("expected identity from claims, got %+v", got)
	}
}

func TestActiveTripLastWriteWins(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetActiveTripID(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkTrackingToastShown(ctx); err != nil {
		t.Fatal(err)
	}
	trip, err := store.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trip.TripID != "T1" || !trip.HasShownTrackingToast {
		t.Fatalf("unexpected trip %+v", trip)
	}

	if err := store.SetActiveTripID(ctx, "T2"); err != nil {
		t.Fatal(err)
	}
	trip, err = store.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trip.TripID != "T2" || trip.HasShownTrackingToast {
		t.Fatalf("new trip must replace the old one and reset the toast flag, got %+v", trip)
	}

	if err := store.ClearActiveTrip(ctx); err != nil {
		t.Fatal(err)
	}
	trip, err = store.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Active() {
		t.Fatalf("expected no active trip, got %+v", trip)
	}
}

func TestClearActiveTripIfOnlyClearsMatchingTrip(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetActiveTripID(ctx, "T2"); err != nil {
		t.Fatal(err)
	}
	cleared, err := store.ClearActiveTripIf(ctx, "T1")
	if err != nil || cleared {
		t.Fatalf("cleared=%v err=%v", cleared, err)
	}
	if trip, _ := store.ActiveTrip(ctx); trip.TripID != "T2" {
		t.Fatalf("another trip's id must survive, got %+v", trip)
	}

	if err := store.MarkTrackingToastShown(ctx); err != nil {
		t.Fatal(err)
	}
	cleared, err = store.ClearActiveTripIf(ctx, "T2")
	if err != nil || !cleared {
		t.Fatalf("cleared=%v err=%v", cleared, err)
	}
	trip, err := store.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Active() || trip.HasShownTrackingToast {
		t.Fatalf("expected trip and toast flag cleared, got %+v", trip)
	}
}

func TestStartRequestMailboxConsumedOnce(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.TakeStartRequest(ctx); err != nil || ok {
		t.Fatalf("expected empty mailbox, ok=%v err=%v", ok, err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.PostStartRequest(ctx, domain.PendingTrackingRequest{ID: "r1", TripID: "T1", Timestamp: at, Source: domain.SourceBackgroundTask}); err != nil {
		t.Fatal(err)
	}
	if err := store.PostStartRequest(ctx, domain.PendingTrackingRequest{ID: "r2", TripID: "T2", Timestamp: at, Source: domain.SourceBackgroundTask}); err != nil {
		t.Fatal(err)
	}

	req, ok, err := store.TakeStartRequest(ctx)
	if err != nil || !ok {
		t.Fatalf("expected posted request, ok=%v err=%v", ok, err)
	}
	if req.TripID != "T2" || req.ID != "r2" || !req.Timestamp.Equal(at) || req.Source != domain.SourceBackgroundTask {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, ok, _ := store.TakeStartRequest(ctx); ok {
		t.Fatal("request must be consumed exactly once")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "tracker.db")
	ctx := context.Background()

	store, err := OpenWithOptions(path, OpenOptions{TokenKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSession(ctx, domain.Session{UserID: "u1", Role: domain.RoleDriver, AccessToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetActiveTripID(ctx, "T9"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file at %s: %v", path, err)
	}

	reopened, err := OpenWithOptions(path, OpenOptions{TokenKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	sess, err := reopened.Session(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "u1" || sess.AccessToken != "tok" {
		t.Fatalf("session lost across reopen: %+v", sess)
	}
	trip, err := reopened.ActiveTrip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if trip.TripID != "T9" {
		t.Fatalf("active trip lost across reopen: %+v", trip)
	}
}

func TestOpenWithDifferentKeyCannotUnsealToken(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	store, err := OpenWithOptions(path, OpenOptions{TokenKey: "one"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSession(ctx, domain.Session{UserID: "u1", AccessToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	other, err := OpenWithOptions(path, OpenOptions{TokenKey: "two"})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.Session(ctx); err == nil {
		t.Fatal("expected unseal failure with a different key")
	}
}
