package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNotConnected is returned when an emit is attempted while the
	// realtime channel has no live connection.
	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrReconnectTimeout means the channel did not reach the connected state
	// within the background reconnection window.
	ErrReconnectTimeout = errors.New("realtime reconnect timed out")

	// ErrNoSession indicates there is no authenticated user on this device.
	ErrNoSession = errors.New("no authenticated session")

	// ErrUnauthorized indicates the server rejected the session credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a persisted entry or remote resource does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrForegroundServiceBackgrounded is the OS refusal to start the
	// foreground-service location task while the app is not visible.
	ErrForegroundServiceBackgrounded = errors.New("cannot start foreground service while app is in background")

	// ErrPermissionRevoked is reported when a location permission is taken
	// away while a task operation is in flight.
	ErrPermissionRevoked = errors.New("location permission revoked")
)

// TrackingError wraps an underlying error with trip context.
type TrackingError struct {
	TripID string
	Op     string
	Err    error
}

func (e *TrackingError) Error() string {
	if e.TripID != "" {
		return fmt.Sprintf("trip %s: %s: %v", e.TripID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}
