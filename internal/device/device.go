// Package device declares the operating-system services the tracker depends
// on: location permissions, the location provider, the background location
// task scheduler, local notifications and the app foreground state.
package device

import (
	"context"
	"time"

	"github.com/buildorite/tracker/internal/domain"
)

// PermissionStatus is the OS state of a single permission.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Permissions exposes the location permission and location-service state.
// Request methods show an OS dialog and must only be called while the app is
// in the foreground.
type Permissions interface {
	ServicesEnabled(ctx context.Context) (bool, error)
	ForegroundPermission(ctx context.Context) (PermissionStatus, error)
	RequestForegroundPermission(ctx context.Context) (PermissionStatus, error)
	BackgroundPermission(ctx context.Context) (PermissionStatus, error)
	RequestBackgroundPermission(ctx context.Context) (PermissionStatus, error)
}

// Locator reads a single position fix.
type Locator interface {
	CurrentLocation(ctx context.Context) (domain.LocationSample, error)
}

// Accuracy is the requested location accuracy class.
type Accuracy string

const (
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// TaskOptions configures the OS background location task.
type TaskOptions struct {
	Accuracy            Accuracy
	TimeInterval        time.Duration
	DistanceInterval    float64 // meters
	NotificationTitle   string
	NotificationBody    string
	ShowsBackgroundIcon bool
}

// TaskScheduler owns the OS background location task, a process-wide
// singleton that the OS may stop without telling the app.
type TaskScheduler interface {
	IsTaskRunning(ctx context.Context) (bool, error)
	StartLocationTask(ctx context.Context, opts TaskOptions) error
	StopLocationTask(ctx context.Context) error
}

// Notification is a local notification shown by the OS.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier schedules local notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AppState reports whether the app is visible to the user and publishes
// transitions between foreground and background.
type AppState interface {
	IsForeground() bool
	// Subscribe registers fn for every transition and returns a function
	// that removes the subscription.
	Subscribe(fn func(foreground bool)) (unsubscribe func())
}

// Device groups every OS service. Implementations may satisfy it with one
// value.
type Device interface {
	Permissions
	Locator
	TaskScheduler
	Notifier
	AppState
}
