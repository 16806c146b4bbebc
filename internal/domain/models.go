// Package domain defines the core data types shared across the tracker's
// realtime channel, persisted state, and trip tracking layers.
package domain

import (
	"strings"
	"time"
)

// Role identifies which side of the marketplace a session belongs to.
type Role string

// Roles known to the marketplace. Only drivers report location.
const (
	RoleDriver     Role = "driver"
	RoleTruckOwner Role = "truck_owner"
	RoleMineOwner  Role = "mine_owner"
	RoleAdmin      Role = "admin"
)

// ParseRole normalizes a role string; unknown values yield an empty Role.
func ParseRole(v string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(v))); r {
	case RoleDriver, RoleTruckOwner, RoleMineOwner, RoleAdmin:
		return r
	}
	return ""
}

// Session is the authenticated identity persisted on the device.
type Session struct {
	UserID      string `json:"userId"`
	Role        Role   `json:"role"`
	AccessToken string `json:"-"`
}

// Authenticated reports whether the session carries a user id. Tracking is
// disabled for sessions without one.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.UserID) != ""
}

// IsDriver reports whether the session belongs to an authenticated driver.
func (s Session) IsDriver() bool {
	return s.Authenticated() && s.Role == RoleDriver
}

// ActiveTrip is the trip this device is currently reporting location for.
// An empty TripID means no trip is active.
type ActiveTrip struct {
	TripID                string
	HasShownTrackingToast bool
}

// Active reports whether a trip id is set.
func (t ActiveTrip) Active() bool {
	return t.TripID != ""
}

// Source names where a start-tracking trigger came from.
type Source string

// Trigger sources funnelled into the orchestrator.
const (
	SourceSocket           Source = "socket"
	SourceNotification     Source = "notification"
	SourceBackgroundTask   Source = "background_task"
	SourceForegroundResume Source = "foreground_resume"
)

// LocationSample is a single fix from the OS location provider.
// Coordinates are ordered [lon, lat].
type LocationSample struct {
	Coordinates [2]float64
	Accuracy    float64
	Timestamp   time.Time
}

// Lon returns the longitude component.
func (l LocationSample) Lon() float64 { return l.Coordinates[0] }

// Lat returns the latitude component.
func (l LocationSample) Lat() float64 { return l.Coordinates[1] }

// PendingTrackingRequest is a start trigger that arrived while the app was
// backgrounded and must be replayed on the next foreground transition.
type PendingTrackingRequest struct {
	ID        string
	TripID    string
	Timestamp time.Time
	Source    Source
}

// Expired reports whether the request is older than ttl at now.
func (p PendingTrackingRequest) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.Timestamp) > ttl
}

// Reason codes reported to the server when a tracking request does not
// result in active tracking.
const (
	ReasonLocationServicesDisabled      = "location_services_disabled"
	ReasonForegroundPermissionDenied    = "foreground_permission_denied"
	ReasonBackgroundPermissionDenied    = "background_permission_denied"
	ReasonForegroundServiceBackgrounded = "foreground_service_backgrounded"
	ReasonTechnicalError                = "technical_error"
	ReasonAlreadyTracking               = "already_tracking"
	ReasonDifferentTrip                 = "different_trip"
	ReasonNoActiveTrip                  = "no_active_trip"
)

// ReasonMessage returns the human-readable message sent with a reason code.
func ReasonMessage(reason string) string {
	switch reason {
	case ReasonLocationServicesDisabled:
		return "Location services are disabled on the device"
	case ReasonForegroundPermissionDenied:
		return "Location permission was denied"
	case ReasonBackgroundPermissionDenied:
		return "Background location permission is required to track the trip"
	case ReasonForegroundServiceBackgrounded:
		return "The app must be opened to start trip tracking"
	case ReasonAlreadyTracking:
		return "Trip is already being tracked"
	case ReasonDifferentTrip:
		return "Another trip is being tracked"
	case ReasonNoActiveTrip:
		return "No trip is being tracked"
	default:
		return "Tracking failed due to a technical error"
	}
}
