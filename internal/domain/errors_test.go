package domain

import (
	"errors"
	"testing"
)

func TestTrackingErrorMessage(t *testing.T) {
	t.Parallel()

	err := &TrackingError{TripID: "T1", Op: "start", Err: ErrForegroundServiceBackgrounded}
	want := "trip T1: start: cannot start foreground service while app is in background"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTrackingErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &TrackingError{TripID: "T2", Op: "emit", Err: ErrNotConnected}
	if !errors.Is(err, ErrNotConnected) {
		t.Fatal("expected errors.Is to match ErrNotConnected")
	}
}

func TestTrackingErrorWithoutTrip(t *testing.T) {
	t.Parallel()

	err := &TrackingError{Op: "reconnect", Err: ErrReconnectTimeout}
	want := "reconnect: realtime reconnect timed out"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
