// Package realtime implements the authenticated, reconnecting WebSocket
// channel between the tracker and the marketplace server.
//
// The channel keeps one listener per event name. Registering a listener for
// an event that already has one replaces it. The full listener set is bound
// onto every new connection, so callers never re-register after a reconnect.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildorite/tracker/internal/device"
	"github.com/buildorite/tracker/internal/domain"
	"github.com/buildorite/tracker/internal/realtimeproto"
)

// Handler receives one inbound message or lifecycle event.
type Handler func(msg realtimeproto.Message)

// State describes the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 2 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultReconnectTimeout  = 15 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	wsReadLimit              = 1 << 20
)

// Options configures a [Channel].
type Options struct {
	// URL of the realtime endpoint. http(s) schemes are rewritten to ws(s).
	URL string
	// HeartbeatInterval between driver location heartbeats. Zero disables
	// the heartbeat.
	HeartbeatInterval time.Duration
	// ReconnectAttempts bounds automatic redials after a dial failure.
	ReconnectAttempts int
	// ReconnectDelay is the first redial delay; later delays back off.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// ReconnectTimeout bounds [Channel.EnsureConnected].
	ReconnectTimeout time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Permissions and Locator feed the heartbeat. Either nil disables it.
	Permissions device.Permissions
	Locator     device.Locator
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = defaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = defaultReconnectTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Channel is the process-wide realtime connection. Only the channel dials or
// closes the underlying socket.
type Channel struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	session     domain.Session
	registry    map[string]Handler
	conn        *connection
	running     bool
	cancel      context.CancelFunc
	loopDone    chan struct{}
	connectedCh chan struct{}

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New creates a disconnected channel for session.
func New(opts Options, session domain.Session, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Channel{
		opts:        opts,
		log:         logger,
		dialer:      &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		session:     session,
		registry:    make(map[string]Handler),
		connectedCh: make(chan struct{}),
	}
}

// Session returns the identity the channel authenticates as.
func (c *Channel) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession replaces the channel identity. A live connection is
// re-authenticated and the heartbeat follows the new role.
func (c *Channel) SetSession(sess domain.Session) {
	c.mu.Lock()
	prev := c.session
	c.session = sess
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || prev.UserID == sess.UserID && prev.Role == sess.Role {
		return
	}
	if sess.Authenticated() {
		c.authenticate(conn, sess)
	}
	c.restartHeartbeat(sess)
}

// Connected reports whether a live connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil:
		return StateConnected
	case c.running:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

// Connect starts the connection loop. It is a no-op while connected. A loop
// that is still dialing or has given up is torn down and started afresh.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}
	stale := c.running
	c.mu.Unlock()
	if stale {
		c.teardown(false)
	}

	c.mu.Lock()
	if c.running {
		// Another caller won the race to start a fresh loop.
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Disconnect stops the heartbeat, closes the connection and clears every
// registered listener.
func (c *Channel) Disconnect() {
	c.teardown(true)
}

func (c *Channel) teardown(clearRegistry bool) {
	c.stopHeartbeat()

	c.mu.Lock()
	cancel := c.cancel
	done := c.loopDone
	conn := c.conn
	c.cancel = nil
	c.loopDone = nil
	if clearRegistry {
		c.registry = make(map[string]Handler)
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// On registers h for event, replacing any previous listener. It is bound
// immediately when connected, otherwise on the next connect.
func (c *Channel) On(event string, h Handler) {
	if event == "" || h == nil {
		return
	}
	c.mu.Lock()
	c.registry[event] = h
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.bind(event, h)
	}
}

// Off removes the listener for event from the registry and the live
// connection.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	delete(c.registry, event)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.unbind(event)
	}
}

// Emit sends payload as event. It never blocks on reconnection: when there
// is no live connection it logs and returns [domain.ErrNotConnected].
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Warn("realtime emit dropped; not connected", "event", event)
		return domain.ErrNotConnected
	}
	msg, err := realtimeproto.Encode(event, payload)
	if err != nil {
		c.log.Error("realtime encode failed", "event", event, "err", err)
		return err
	}
	if err := conn.writeJSON(msg, c.opts.WriteTimeout); err != nil {
		c.log.Warn("realtime emit failed", "event", event, "err", err)
		return err
	}
	return nil
}

// EnsureConnected returns nil once the channel is connected, starting the
// connection loop if needed. It gives up after the reconnect timeout with
// [domain.ErrReconnectTimeout].
func (c *Channel) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	running := c.running
	c.mu.Unlock()
	if !running {
		c.Connect()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	ready := c.connectedCh
	c.mu.Unlock()

	timer := time.NewTimer(c.opts.ReconnectTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return domain.ErrReconnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run(ctx context.Context) {
	delay := c.opts.ReconnectDelay
	failures := 0
	reconnect := false
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.log.Warn("realtime connect failed", "err", err, "attempt", failures)
			c.dispatchLifecycle(realtimeproto.EventConnectError, err)
			if failures > c.opts.ReconnectAttempts {
				c.log.Error("realtime reconnect attempts exhausted", "attempts", failures)
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, c.opts.ReconnectDelay, c.opts.ReconnectMaxDelay)
			continue
		}
		failures = 0
		delay = c.opts.ReconnectDelay

		c.onConnected(conn, reconnect)
		reconnect = true
		err = conn.readLoop(ctx, c.log)
		c.onDisconnected(conn, err)
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*connection, error) {
	target := websocketURL(c.opts.URL)
	if target == "" {
		return nil, errors.New("realtime url is empty")
	}
	header := http.Header{}
	if token := c.Session().AccessToken; token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(wsReadLimit)
	return newConnection(ws), nil
}

func (c *Channel) onConnected(conn *connection, reconnect bool) {
	c.mu.Lock()
	c.conn = conn
	for event, h := range c.registry {
		conn.bind(event, h)
	}
	close(c.connectedCh)
	sess := c.session
	c.mu.Unlock()

	if reconnect {
		c.log.Info("realtime reconnected", "user_id", sess.UserID)
	} else {
		c.log.Info("realtime connected", "user_id", sess.UserID)
	}
	if sess.Authenticated() {
		c.authenticate(conn, sess)
	}
	c.restartHeartbeat(sess)

	c.dispatchLifecycle(realtimeproto.EventConnect, nil)
	if reconnect {
		c.dispatchLifecycle(realtimeproto.EventReconnect, nil)
	}
}

func (c *Channel) onDisconnected(conn *connection, err error) {
	c.stopHeartbeat()
	conn.close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connectedCh = make(chan struct{})
	}
	c.mu.Unlock()

	if err != nil && !isNormalClose(err) {
		c.log.Warn("realtime disconnected", "err", err)
		c.dispatchLifecycle(realtimeproto.EventError, err)
	} else {
		c.log.Info("realtime disconnected")
	}
	c.dispatchLifecycle(realtimeproto.EventDisconnect, err)
}

func (c *Channel) authenticate(conn *connection, sess domain.Session) {
	msg, err := realtimeproto.Encode(realtimeproto.EventAuthenticate, realtimeproto.Authenticate{UserID: sess.UserID})
	if err != nil {
		return
	}
	if err := conn.writeJSON(msg, c.opts.WriteTimeout); err != nil {
		c.log.Warn("realtime authenticate failed", "user_id", sess.UserID, "err", err)
	}
}

func (c *Channel) dispatchLifecycle(event string, cause error) {
	c.mu.Lock()
	h := c.registry[event]
	c.mu.Unlock()
	if h == nil {
		return
	}
	msg := realtimeproto.Message{Event: event}
	if cause != nil {
		if m, err := realtimeproto.Encode(event, map[string]string{"message": cause.Error()}); err == nil {
			msg = m
		}
	}
	safeDispatch(c.log, h, msg)
}

func websocketURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

func isNormalClose(err error) bool {
	return errors.Is(err, context.Canceled) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
