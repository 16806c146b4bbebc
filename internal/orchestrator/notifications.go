package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/tracking"
)

// Push is a push notification payload. Tracking pushes carry Action and
// TripID; marketplace pushes carry Type and Payload.
type Push struct {
	Action         string          `json:"action,omitempty"`
	TripID         string          `json:"tripId,omitempty"`
	PermissionType string          `json:"permissionType,omitempty"`
	Type           string          `json:"type,omitempty"`
	Payload        MarketplaceData `json:"payload,omitzero"`
}

// MarketplaceData is the payload of a marketplace push.
type MarketplaceData struct {
	RequestID string `json:"requestId,omitempty"`
	TripID    string `json:"tripId,omitempty"`
}

// MarketplaceHandler receives pushes that are not about tracking.
type MarketplaceHandler func(ctx context.Context, p Push)

// ParsePush decodes a raw push payload.
func ParsePush(raw []byte) (Push, error) {
	var p Push
	if err := json.Unmarshal(raw, &p); err != nil {
		return Push{}, fmt.Errorf("parse push: %w", err)
	}
	if p.Action == "" && p.Type == "" {
		return Push{}, errors.New("parse push: neither action nor type set")
	}
	return p, nil
}

// PushFromData converts local notification data back into a push, as
// happens when the user taps a notification the app scheduled itself.
func PushFromData(data map[string]string) Push {
	return Push{
		Action:         data["action"],
		TripID:         data["tripId"],
		PermissionType: data["permissionType"],
		Type:           data["type"],
	}
}

// SetMarketplaceHandler installs h, replacing any previous handler.
func (o *Orchestrator) SetMarketplaceHandler(h MarketplaceHandler) {
	o.mu.Lock()
	o.marketplace = h
	o.mu.Unlock()
}

// HandleNotification routes a received or tapped push.
func (o *Orchestrator) HandleNotification(ctx context.Context, p Push) {
	switch p.Action {
	case tracking.ActionStartTracking:
		if p.TripID == "" {
			o.log.Warn("start tracking push without trip id")
			return
		}
		o.HandleStartTrackingRequest(ctx, p.TripID, domain.SourceNotification)
		return
	case tracking.ActionBringToForeground, tracking.ActionBringToForegroundError:
		if p.TripID == "" {
			return
		}
		if o.dev.IsForeground() {
			o.HandleStartTrackingRequest(ctx, p.TripID, domain.SourceNotification)
			return
		}
		o.rememberForResume(p.TripID)
		return
	case tracking.ActionPermissionRequired:
		o.log.Info("permission required push", "trip_id", p.TripID, "permission_type", p.PermissionType)
		return
	case "":
	default:
		o.log.Warn("unknown push action", "action", p.Action)
		return
	}

	if p.Type == "" {
		return
	}
	o.mu.Lock()
	h := o.marketplace
	o.mu.Unlock()
	if h == nil {
		o.log.Debug("marketplace push ignored", "type", p.Type)
		return
	}
	h(ctx, p)
}

// rememberForResume queues tripID so the next foreground transition starts
// it, unless a request is already queued.
func (o *Orchestrator) rememberForResume(tripID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil {
		return
	}
	o.pending = &domain.PendingTrackingRequest{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Timestamp: o.now(),
		Source:    domain.SourceNotification,
	}
	o.log.Info("trip remembered for foreground resume", "trip_id", tripID)
}
