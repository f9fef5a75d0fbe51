// Package session owns one play session: the init handshake, the frame
// dispatch pipeline (decode, apply, watch), command submission through
// the gate, and logout. A Session is created at login and discarded at
// logout; nothing here is a process-wide global.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ten-dreams/client/internal/gate"
	"ten-dreams/client/internal/protocol"
	"ten-dreams/client/internal/state"
	"ten-dreams/client/internal/transport"
	"ten-dreams/client/logging"
)

// ErrUnauthorized is returned by Start when the init call answers 401.
// The caller routes to a login-required state instead of retrying.
var ErrUnauthorized = errors.New("session: not authenticated")

// Hooks are the presentation layer's read-only windows into the
// session. Every document they receive is an immutable snapshot.
type Hooks struct {
	// OnUpdate fires after every successful store apply.
	OnUpdate func(state.Document)
	// OnRoll fires at most once per distinct roll-event id.
	OnRoll func(state.RollEvent)
	// OnNotice surfaces user-facing notices: server errors, send
	// failures, the not-connected drop.
	OnNotice func(string)
	// OnConnState observes transport state transitions.
	OnConnState func(transport.State)
}

type Config struct {
	InitURL        string
	LogoutURL      string
	SocketURL      string
	Token          string
	ReconnectDelay time.Duration
	InitTimeout    time.Duration
	StartCommands  []string
	HTTPClient     *http.Client
	Publisher      logging.Publisher
	Hooks          Hooks
}

type Session struct {
	cfg        Config
	httpClient *http.Client
	publisher  logging.Publisher

	store   *state.Store
	watcher *state.RollWatcher
	gate    *gate.Gate
	conn    *transport.Conn

	// dispatchMu serializes frame handling so patches apply strictly in
	// arrival order.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	playerID string
}

func New(cfg Config) *Session {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.InitTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}

	s := &Session{
		cfg:        cfg,
		httpClient: httpClient,
		publisher:  publisher,
		store:      state.NewStore(),
		watcher:    state.NewRollWatcher(),
		gate:       gate.New(cfg.StartCommands),
	}
	s.conn = transport.New(transport.Config{
		URL:            cfg.SocketURL,
		Header:         s.authHeader(),
		ReconnectDelay: cfg.ReconnectDelay,
		Publisher:      publisher,
		OnFrame:        s.handleFrame,
		OnState:        cfg.Hooks.OnConnState,
	})
	return s
}

// Start fetches the initial snapshot and opens the persistent
// connection. A 401 maps to ErrUnauthorized and no connection attempt
// is made.
func (s *Session) Start(ctx context.Context) error {
	raw, err := s.fetchInit(ctx)
	if err != nil {
		return err
	}

	doc, err := s.store.Seed(raw)
	if err != nil {
		return fmt.Errorf("seed session state: %w", err)
	}
	s.mu.Lock()
	s.playerID = doc.PlayerID
	s.mu.Unlock()

	s.publish(logging.Event{Type: logging.EventSessionInit, Severity: logging.SeverityInfo})
	s.notifyUpdate(doc)
	if event, ok := s.watcher.Observe(doc); ok {
		s.notifyRoll(event)
	}

	return s.conn.Dial(ctx)
}

// Submit runs one user command through the gate and forwards it while
// the connection is open. Gated commands drop silently; a closed
// connection surfaces a notice and drops the command without queueing.
func (s *Session) Submit(command string) {
	doc, _ := s.store.Snapshot()
	trimmed, decision := s.gate.Evaluate(command, doc)
	switch decision {
	case gate.DecisionDropEmpty:
		return
	case gate.DecisionDropProcessing:
		s.publish(logging.Event{
			Type:     logging.EventCommandDropped,
			Severity: logging.SeverityDebug,
		}.WithExtra("reason", "processing"))
		return
	}

	if err := s.conn.Send(trimmed); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			s.notifyNotice("尚未连接到服务器，指令未发送。")
			s.publish(logging.Event{
				Type:     logging.EventCommandDropped,
				Severity: logging.SeverityWarn,
				Message:  trimmed,
			}.WithExtra("reason", "not_connected"))
			return
		}
		s.notifyNotice("指令发送失败：" + err.Error())
		s.publish(logging.Event{
			Type:     logging.EventCommandDropped,
			Severity: logging.SeverityError,
			Message:  trimmed,
		}.WithExtra("reason", "send_failed"))
		return
	}

	s.publish(logging.Event{
		Type:     logging.EventCommandForwarded,
		Severity: logging.SeverityDebug,
		Message:  trimmed,
	})
}

// Snapshot exposes the current document; ok is false before Start.
func (s *Session) Snapshot() (state.Document, bool) {
	return s.store.Snapshot()
}

func (s *Session) ConnState() transport.State {
	return s.conn.State()
}

// Logout closes the connection, informs the server, and discards the
// session. The caller navigates back to the root page afterward.
func (s *Session) Logout(ctx context.Context) error {
	s.conn.Close()
	s.publish(logging.Event{Type: logging.EventSessionLogout, Severity: logging.SeverityInfo})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.LogoutURL, nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	s.setAuth(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close tears the connection down without the logout round trip.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) fetchInit(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.InitURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build init request: %w", err)
	}
	s.setAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session init: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read init response: %w", err)
	}
	return body, nil
}

// handleFrame is the single dispatch routine for inbound frames. Frames
// are processed to completion in arrival order; a frame that fails to
// decode or apply is dropped without touching the document.
func (s *Session) handleFrame(frame []byte) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	msg, err := protocol.Decode(frame)
	if err != nil {
		s.publish(logging.Event{
			Type:     logging.EventFrameDiscarded,
			Severity: logging.SeverityWarn,
			Message:  err.Error(),
		})
		return
	}

	if msg.Kind == protocol.KindServerError {
		s.publish(logging.Event{
			Type:     logging.EventServerError,
			Severity: logging.SeverityWarn,
			Message:  msg.Detail,
		})
		s.notifyNotice(msg.Detail)
		return
	}

	doc, err := s.store.Apply(msg)
	if err != nil {
		var patchErr *state.PatchError
		if errors.As(err, &patchErr) {
			// Stale but internally consistent; the next full_state heals.
			s.publish(logging.Event{
				Type:     logging.EventPatchRejected,
				Severity: logging.SeverityWarn,
				Message:  patchErr.Error(),
			})
		} else {
			s.publish(logging.Event{
				Type:     logging.EventFrameDiscarded,
				Severity: logging.SeverityWarn,
				Message:  err.Error(),
			})
		}
		return
	}

	if msg.Kind == protocol.KindFullState {
		s.publish(logging.Event{Type: logging.EventStateReplaced, Severity: logging.SeverityDebug})
	}

	if event, ok := s.watcher.Observe(doc); ok {
		s.publish(logging.Event{
			Type:     logging.EventRollObserved,
			Severity: logging.SeverityInfo,
		}.WithExtra("roll_id", event.ID).WithExtra("outcome", event.Outcome))
		s.notifyRoll(event)
	}

	s.notifyUpdate(doc)
}

func (s *Session) authHeader() http.Header {
	if s.cfg.Token == "" {
		return nil
	}
	header := make(http.Header, 1)
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	return header
}

func (s *Session) setAuth(req *http.Request) {
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
}

func (s *Session) publish(event logging.Event) {
	s.mu.Lock()
	event.Session = s.playerID
	s.mu.Unlock()
	s.publisher.Publish(context.Background(), event)
}

func (s *Session) notifyUpdate(doc state.Document) {
	if s.cfg.Hooks.OnUpdate != nil {
		s.cfg.Hooks.OnUpdate(doc)
	}
}

func (s *Session) notifyRoll(event state.RollEvent) {
	if s.cfg.Hooks.OnRoll != nil {
		s.cfg.Hooks.OnRoll(event)
	}
}

func (s *Session) notifyNotice(notice string) {
	if s.cfg.Hooks.OnNotice != nil {
		s.cfg.Hooks.OnNotice(notice)
	}
}
