package realtime

import (
	"context"
	"time"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/realtimeproto"
)

const heartbeatReadTimeout = 30 * time.Second

// restartHeartbeat replaces any running heartbeat with one for sess. Only
// driver sessions send heartbeats. Must not be called with c.mu held.
func (c *Channel) restartHeartbeat(sess domain.Session) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	c.stopHeartbeatLocked()
	if !sess.IsDriver() || c.opts.HeartbeatInterval <= 0 || c.opts.Permissions == nil || c.opts.Locator == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.hbCancel = cancel
	c.hbDone = done

	interval := c.opts.HeartbeatInterval
	go func() {
		defer close(done)
		c.sendHeartbeat(ctx, sess)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sendHeartbeat(ctx, sess)
			}
		}
	}()
}

func (c *Channel) stopHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	c.stopHeartbeatLocked()
}

// stopHeartbeatLocked cancels the heartbeat and waits for its goroutine.
// The heartbeat goroutine never takes hbMu, so waiting under it is safe.
func (c *Channel) stopHeartbeatLocked() {
	if c.hbCancel == nil {
		return
	}
	c.hbCancel()
	<-c.hbDone
	c.hbCancel, c.hbDone = nil, nil
}

func (c *Channel) sendHeartbeat(ctx context.Context, sess domain.Session) {
	perm, err := c.opts.Permissions.ForegroundPermission(ctx)
	if err != nil || perm != device.PermissionGranted {
		c.log.Debug("heartbeat skipped; foreground permission not granted", "status", perm, "err", err)
		return
	}
	enabled, err := c.opts.Permissions.ServicesEnabled(ctx)
	if err != nil || !enabled {
		c.log.Debug("heartbeat skipped; location services disabled", "err", err)
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, heartbeatReadTimeout)
	defer cancel()
	loc, err := c.opts.Locator.CurrentLocation(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("heartbeat location read failed", "user_id", sess.UserID, "err", err)
		_ = c.Emit(realtimeproto.EventDriverLocationError, realtimeproto.DriverLocationError{
			DriverID:  sess.UserID,
			Error:     "location_unavailable",
			Message:   err.Error(),
			Timestamp: realtimeproto.Millis(time.Now()),
		})
		return
	}
	_ = c.Emit(realtimeproto.EventDriverLocationUpdate, realtimeproto.DriverLocationUpdate{
		DriverID:    sess.UserID,
		Coordinates: loc.Coordinates,
		Accuracy:    loc.Accuracy,
		Timestamp:   realtimeproto.Millis(loc.Timestamp),
		Source:      realtimeproto.SourceHeartbeat,
	})
}
