// Package realtimeproto defines the JSON wire protocol exchanged between the
// tracker and the marketplace server over the realtime WebSocket connection.
package realtimeproto

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outbound events sent by the device.
const (
	EventAuthenticate                 = "authenticate"
	EventDriverLocationUpdate         = "driverLocationUpdate"
	EventDriverTrackingLocationUpdate = "driverTrackingLocationUpdate"
	EventDriverLocationError          = "driverLocationError"
	EventTrackingRequestReceived      = "trackingRequestReceived"
	EventTrackingRequestResponse      = "trackingRequestResponse"
	EventStopTrackingResponse         = "stopTrackingResponse"
	EventTrackingInterrupted          = "trackingInterrupted"
	EventTrackingError                = "trackingError"
)

// Inbound events sent by the server.
const (
	EventRequestLocationUpdates   = "requestLocationUpdates"
	EventRequestImmediateLocation = "requestImmediateLocation"
	EventStopLocationUpdates      = "stopLocationUpdates"
)

// Connection lifecycle events. They never travel on the wire; the channel
// dispatches them to registered listeners as if they had.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventReconnect    = "reconnect"
	EventError        = "error"
)

// Location sources tag which code path produced a location payload.
const (
	SourceHeartbeat              = "heartbeat"
	SourceBackgroundTask         = "background_task"
	SourceBackgroundTripTask     = "background_trip_task"
	SourceBackgroundTripTracking = "background_trip_tracking"
	SourceImmediateRequest       = "immediate_request"
)

// Status values used in tracking acknowledgements and responses.
const (
	StatusReceived        = "received"
	StatusStarted         = "started"
	StatusFailed          = "failed"
	StatusAlreadyTracking = "already_tracking"
	StatusPending         = "pending_foreground"
	StatusStopped         = "stopped"
	StatusNotTracking     = "not_tracking"
	StatusDifferentTrip   = "different_trip"
)

// Message is the top-level envelope exchanged on the realtime WebSocket.
type Message struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into a [Message] for event with a fresh message id.
func Encode(event string, payload any) (Message, error) {
	if event == "" {
		return Message{}, errors.New("realtimeproto: empty event name")
	}
	msg := Message{Event: event, ID: uuid.NewString()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message data into v. A message without data leaves
// v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Authenticate binds the connection to a user.
type Authenticate struct {
	UserID string `json:"userId"`
}

// DriverLocationUpdate reports a driver's position outside any trip.
type DriverLocationUpdate struct {
	DriverID    string     `json:"driverId"`
	Coordinates [2]float64 `json:"coordinates"`
	Accuracy    float64    `json:"accuracy"`
	Timestamp   int64      `json:"timestamp"`
	Source      string     `json:"source"`
}

// DriverTrackingLocationUpdate reports a driver's position for a trip.
type DriverTrackingLocationUpdate struct {
	TripID      string     `json:"tripId"`
	DriverID    string     `json:"driverId"`
	Coordinates [2]float64 `json:"coordinates"`
	Accuracy    float64    `json:"accuracy"`
	Timestamp   int64      `json:"timestamp"`
	Source      string     `json:"source"`
}

// DriverLocationError reports that a location could not be read or sent.
type DriverLocationError struct {
	DriverID  string `json:"driverId"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TrackingRequestReceived acknowledges a start-tracking trigger.
type TrackingRequestReceived struct {
	TripID string `json:"tripId"`
	Status string `json:"status"`
}

// TrackingRequestResponse is the terminal answer to a start-tracking trigger.
type TrackingRequestResponse struct {
	TripID  string `json:"tripId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// StopTrackingResponse answers a stop-tracking request.
type StopTrackingResponse struct {
	Status      string `json:"status"`
	TripID      string `json:"tripId,omitempty"`
	CurrentTrip string `json:"currentTrip,omitempty"`
}

// TrackingInterrupted tells the server the OS task stopped unexpectedly.
type TrackingInterrupted struct {
	TripID string `json:"tripId"`
	Reason string `json:"reason"`
}

// TrackingError reports a background task failure for the active trip.
type TrackingError struct {
	TripID    string `json:"tripId"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// TripRequest is the payload of all inbound trip-scoped server events.
type TripRequest struct {
	TripID string `json:"tripId"`
}

// Millis converts t to the millisecond epoch used on the wire.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
