package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildorite/tracker/internal/realtimeproto"
)

// connection wraps one dialed socket together with the listeners bound to it.
type connection struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler

	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{ws: ws, handlers: make(map[string]Handler)}
}

func (c *connection) bind(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

func (c *connection) unbind(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

func (c *connection) handler(event string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[event]
}

// writeJSON sends msg under the write deadline. A failed write closes the
// connection once the write lock is released.
func (c *connection) writeJSON(msg realtimeproto.Message, timeout time.Duration) error {
	err := c.write(msg, timeout)
	if err != nil {
		c.close()
	}
	return err
}

func (c *connection) write(msg realtimeproto.Message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	return c.ws.WriteJSON(msg)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// readLoop dispatches inbound messages until the socket fails or ctx ends.
// Listeners run on the read goroutine.
func (c *connection) readLoop(ctx context.Context, log *slog.Logger) error {
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	for {
		var msg realtimeproto.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.Event == "" {
			log.Debug("realtime message without event ignored")
			continue
		}
		h := c.handler(msg.Event)
		if h == nil {
			log.Debug("realtime message without listener", "event", msg.Event)
			continue
		}
		safeDispatch(log, h, msg)
	}
}

// safeDispatch runs h and converts a panic into a log entry so one faulty
// listener cannot take the connection down.
func safeDispatch(log *slog.Logger, h Handler, msg realtimeproto.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("realtime listener panicked", "event", msg.Event, "panic", fmt.Sprint(r))
		}
	}()
	h(msg)
}

func nextBackoff(current, initial, maxDelay time.Duration) time.Duration {
	if current <= 0 {
		current = initial
	}
	next := min(current*2, maxDelay)
	// ±25% jitter so a fleet of phones does not redial in lockstep.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return time.Duration(float64(next) * jitter)
}
