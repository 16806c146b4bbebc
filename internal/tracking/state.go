package tracking

import (
	"fmt"

	"github.com/buildorite/tracker/internal/domain"
)

// Phase is the tag of a [State].
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseActive
	PhaseStopping
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the controller state. TripID is set for Starting and Active,
// Reason and Err for Failed. Use the constructors so that no other
// combination can occur.
type State struct {
	Phase  Phase
	TripID string
	Reason string
	Err    error
}

func idle() State { return State{Phase: PhaseIdle} }
func starting(tripID string) State { return State{Phase: PhaseStarting, TripID: tripID} }
func active(tripID string) State { return State{Phase: PhaseActive, TripID: tripID} }
func stopping(tripID string) State { return State{Phase: PhaseStopping, TripID: tripID} }
func failed(reason string, err error) State {
	return State{Phase: PhaseFailed, Reason: reason, Err: err}
}

func (s State) String() string {
	switch s.Phase {
	case PhaseActive, PhaseStarting:
		return fmt.Sprintf("%s{%s}", s.Phase, s.TripID)
	case PhaseFailed:
		return fmt.Sprintf("%s{%s}", s.Phase, s.Reason)
	default:
		return s.Phase.String()
	}
}

// Flags is the boolean view of a [State] consumed by status output.
type Flags struct {
	IsLoading                 bool   `json:"isLoading"`
	Error                     string `json:"error,omitempty"`
	PermissionDenied          bool   `json:"permissionDenied"`
	LocationServicesDisabled  bool   `json:"locationServicesDisabled"`
	NeedsBackgroundPermission bool   `json:"needsBackgroundPermission"`
	TrackingActive            bool   `json:"trackingActive"`
}

// Flags projects s onto the flag set. At most one of TrackingActive and the
// permission flags is ever true.
func (s State) Flags() Flags {
	var f Flags
	switch s.Phase {
	case PhaseStarting, PhaseStopping:
		f.IsLoading = true
	case PhaseActive:
		f.TrackingActive = true
	case PhaseFailed:
		f.Error = domain.ReasonMessage(s.Reason)
		if s.Err != nil && s.Reason == domain.ReasonTechnicalError {
			f.Error = s.Err.Error()
		}
		switch s.Reason {
		case domain.ReasonLocationServicesDisabled:
			f.LocationServicesDisabled = true
		case domain.ReasonForegroundPermissionDenied:
			f.PermissionDenied = true
		case domain.ReasonBackgroundPermissionDenied:
			f.NeedsBackgroundPermission = true
		}
	}
	return f
}

func isPermissionReason(reason string) bool {
	switch reason {
	case domain.ReasonLocationServicesDisabled,
		domain.ReasonForegroundPermissionDenied,
		domain.ReasonBackgroundPermissionDenied:
		return true
	}
	return false
}
