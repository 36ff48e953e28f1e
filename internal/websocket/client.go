package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/dukerupert/chinaroute/internal/session"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second

	// Pointer moves arrive far faster than the activity timestamp needs.
	activityRate  = rate.Limit(4)
	activityBurst = 8
	// Throttled events are folded into one delivery this long after the
	// first of them.
	trailingDelay = time.Second / time.Duration(activityRate)
)

// Client is one browser tab. It feeds interaction events to the session
// monitor and receives its redirects.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	send     chan []byte
	deviceID string
	limiter  *rate.Limiter

	mu        sync.Mutex
	path      string
	token     string
	nextID    int
	listeners map[session.EventType]map[int]func()
	trailing  map[session.EventType]*time.Timer
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, deviceID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		deviceID:  deviceID,
		limiter:   rate.NewLimiter(activityRate, activityBurst),
		listeners: make(map[session.EventType]map[int]func()),
		trailing:  make(map[session.EventType]*time.Timer),
	}
}

// DeviceID returns the device the tab belongs to.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Subscribe implements session.EventSource.
func (c *Client) Subscribe(event session.EventType, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[int]func())
	}
	c.listeners[event][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners[event], id)
		c.mu.Unlock()
	}
}

// ListenerCount returns the number of registered event listeners.
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.listeners {
		n += len(l)
	}
	return n
}

// Emit delivers an interaction event to the listeners. Events over the
// rate limit are coalesced into a single trailing delivery, so the last
// burst of activity still reaches the listeners; Emit reports false for
// those.
func (c *Client) Emit(event session.EventType) bool {
	if !c.limiter.Allow() {
		c.mu.Lock()
		if c.trailing[event] == nil {
			c.trailing[event] = time.AfterFunc(trailingDelay, func() {
				c.mu.Lock()
				delete(c.trailing, event)
				c.mu.Unlock()
				c.dispatch(event)
			})
		}
		c.mu.Unlock()
		return false
	}
	c.dispatch(event)
	return true
}

func (c *Client) dispatch(event session.EventType) {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners[event]))
	for _, fn := range c.listeners[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// stopTrailing cancels pending coalesced deliveries.
func (c *Client) stopTrailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for event, t := range c.trailing {
		t.Stop()
		delete(c.trailing, event)
	}
}

// Path implements session.Navigator.
func (c *Client) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Client) SetPath(p string) {
	c.mu.Lock()
	c.path = p
	c.mu.Unlock()
}

// Redirect implements session.Navigator. Every tab of the device is sent
// to the sign-in page since they share the cleared session.
func (c *Client) Redirect(url string) {
	c.hub.Broadcast(c.deviceID, Message{Type: TypeSessionExpired, Redirect: url})
}

// Token returns the access token of the signed-in user, if any.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// Send queues a message for this tab only.
func (c *Client) Send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// FrameHandler consumes a connection's inbound frames.
type FrameHandler interface {
	// Open is called once the client is registered with the hub.
	Open(ctx context.Context)
	Handle(ctx context.Context, data []byte)
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context, h FrameHandler) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)
	defer c.stopTrailing()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	h.Open(ctx)
	c.readPump(ctx, h)
}

// readPump returns on error (connection close), which triggers cleanup.
func (c *Client) readPump(ctx context.Context, h FrameHandler) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		h.Handle(ctx, data)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel.
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
