// Package transport owns the persistent websocket connection: dialing,
// outbound command frames, and the unconditional fixed-delay reconnect
// loop. Inbound frames are handed to the session untouched.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ten-dreams/client/internal/protocol"
	"ten-dreams/client/logging"
)

// ErrNotConnected is returned by Send while the connection is not open.
// Commands are never queued.
var ErrNotConnected = errors.New("transport: not connected")

// TransportError wraps a connect or send failure. It drives the
// reconnect loop and is never fatal to the process.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const DefaultReconnectDelay = 5000 * time.Millisecond

type Config struct {
	// URL is the ws(s) endpoint, e.g. wss://host/ws.
	URL string
	// Header carries the ambient credential; the URL stays clean.
	Header http.Header
	// ReconnectDelay defaults to 5s. The delay is fixed: no backoff
	// growth, no retry limit.
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Publisher      logging.Publisher
	// OnFrame receives every raw inbound frame in arrival order.
	OnFrame func(frame []byte)
	// OnState observes connection state transitions.
	OnState func(State)
}

// Conn is the long-lived connection. Any transport close schedules one
// reconnect attempt after the fixed delay, indefinitely. A pending
// reconnect timer is not cancelled by a concurrent manual Dial, so two
// attempts can be in flight; the later one simply replaces the socket.
type Conn struct {
	cfg       Config
	dialer    *websocket.Dialer
	publisher logging.Publisher

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	state   State
	gen     uint64
	closed  bool
}

func New(cfg Config) *Conn {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Conn{cfg: cfg, dialer: dialer, publisher: publisher}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dial establishes the connection. It returns nil immediately when the
// connection is already open. A handshake failure is fatal to this
// attempt only.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &TransportError{Op: "dial", Err: errors.New("connection closed")}
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.mu.Lock()
		if !c.closed && c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return &TransportError{Op: "dial", Err: errors.New("connection closed")}
	}
	if c.ws != nil {
		// A racing attempt already holds a socket; keep the newest.
		c.ws.Close()
	}
	c.ws = ws
	c.gen++
	gen := c.gen
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	c.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventConnectionOpened,
		Severity: logging.SeverityInfo,
	})

	go c.readLoop(ws, gen)
	return nil
}

// Send forwards one command while open; otherwise it reports
// ErrNotConnected so the caller can surface a notice. Nothing queues.
func (c *Conn) Send(action string) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen && ws != nil
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	data, err := protocol.EncodeCommand(action)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close tears the connection down for good; no further reconnects fire.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

func (c *Conn) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(StateReconnecting)
	delay := c.cfg.ReconnectDelay
	c.mu.Unlock()

	c.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventConnectionClosed,
		Severity: logging.SeverityWarn,
		Message:  cause.Error(),
	})
	c.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventReconnectPending,
		Severity: logging.SeverityInfo,
	}.WithExtra("delay_ms", delay.Milliseconds()))

	// The timer is fire-and-forget: a manual Dial during the delay is
	// not coordinated with it and both attempts may proceed.
	time.AfterFunc(delay, c.reconnect)
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	delay := c.cfg.ReconnectDelay
	c.mu.Unlock()

	if err := c.Dial(context.Background()); err != nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		time.AfterFunc(delay, c.reconnect)
	}
}

func (c *Conn) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if c.cfg.OnState != nil {
		go c.cfg.OnState(next)
	}
}
