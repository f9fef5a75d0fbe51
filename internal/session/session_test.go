package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ten-dreams/client/internal/state"
	"ten-dreams/client/logging"
	"ten-dreams/client/logging/sinks"
)

type backend struct {
	server *httptest.Server

	initStatus int
	initBody   string

	mu       sync.Mutex
	sockets  []*websocket.Conn
	upgrades atomic.Int64
	logouts  atomic.Int64
	actions  chan string
}

func newBackend(t *testing.T, initBody string) *backend {
	t.Helper()
	b := &backend{initStatus: http.StatusOK, initBody: initBody, actions: make(chan string, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/game/init", func(w http.ResponseWriter, r *http.Request) {
		if b.initStatus != http.StatusOK {
			w.WriteHeader(b.initStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(b.initBody))
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		b.logouts.Add(1)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.upgrades.Add(1)
		b.mu.Lock()
		b.sockets = append(b.sockets, conn)
		b.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.actions <- string(data)
		}
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) session(t *testing.T, hooks Hooks, publisher logging.Publisher) *Session {
	t.Helper()
	s := New(Config{
		InitURL:        b.server.URL + "/game/init",
		LogoutURL:      b.server.URL + "/logout",
		SocketURL:      "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws",
		ReconnectDelay: time.Minute,
		Publisher:      publisher,
		Hooks:          hooks,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func (b *backend) socket(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.sockets)
		b.mu.Unlock()
		if n > 0 {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.sockets[len(b.sockets)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no websocket connection arrived")
	return nil
}

func (b *backend) sendFrame(t *testing.T, payload string, compressed bool) {
	t.Helper()
	socket := b.socket(t)
	if !compressed {
		if err := socket.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatalf("server write: %v", err)
		}
		return
	}
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write([]byte(payload)); err != nil {
		t.Fatalf("compress frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	if err := socket.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []state.Document
	rolls   []state.RollEvent
	notices []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnUpdate: func(doc state.Document) {
			r.mu.Lock()
			r.updates = append(r.updates, doc)
			r.mu.Unlock()
		},
		OnRoll: func(event state.RollEvent) {
			r.mu.Lock()
			r.rolls = append(r.rolls, event)
			r.mu.Unlock()
		},
		OnNotice: func(notice string) {
			r.mu.Lock()
			r.notices = append(r.notices, notice)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitUpdates(t *testing.T, n int) []state.Document {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		count := len(r.updates)
		r.mu.Unlock()
		if count >= n {
			r.mu.Lock()
			defer r.mu.Unlock()
			return append([]state.Document(nil), r.updates...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d updates", n)
	return nil
}

func TestStartSeedsSnapshotAndConnects(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10,"is_processing":false,"display_history":["welcome"]}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	doc, ok := s.Snapshot()
	if !ok {
		t.Fatalf("expected snapshot after start")
	}
	if doc.PlayerID != "wanderer" || doc.OpportunitiesRemaining != 10 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	updates := rec.waitUpdates(t, 1)
	if updates[0].DisplayHistory[0] != "welcome" {
		t.Fatalf("initial update missing history: %+v", updates[0])
	}
	b.socket(t)
}

func TestUnauthorizedInitSkipsConnection(t *testing.T) {
	b := newBackend(t, "")
	b.initStatus = http.StatusUnauthorized
	s := b.session(t, Hooks{}, nil)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := b.upgrades.Load(); got != 0 {
		t.Fatalf("expected no connection attempt, got %d upgrades", got)
	}
	if _, ok := s.Snapshot(); ok {
		t.Fatalf("no document should exist after 401")
	}
}

func TestFramesFlowThroughStore(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10,"is_processing":false}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	b.sendFrame(t, `{"type":"patch","patch":[{"op":"replace","path":"/opportunities_remaining","value":9}]}`, true)
	b.sendFrame(t, `{"type":"full_state","data":{"player_id":"wanderer","opportunities_remaining":8,"is_in_trial":true}}`, false)

	updates := rec.waitUpdates(t, 3)
	if updates[1].OpportunitiesRemaining != 9 {
		t.Fatalf("patch not applied: %+v", updates[1])
	}
	if updates[2].OpportunitiesRemaining != 8 || !updates[2].IsInTrial {
		t.Fatalf("full state not applied: %+v", updates[2])
	}
}

func TestMalformedAndInvalidFramesAreDropped(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10}`)
	rec := &recorder{}
	memory := sinks.NewMemorySink()
	router := logging.NewRouter(nil, logging.Config{MinimumSeverity: logging.SeverityDebug}, []logging.NamedSink{{Name: "memory", Sink: memory}})
	s := b.session(t, rec.hooks(), router)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitUpdates(t, 1)

	b.sendFrame(t, `not json at all`, false)
	b.sendFrame(t, `{"type":"patch","patch":[{"op":"test","path":"/opportunities_remaining","value":99}]}`, false)
	b.sendFrame(t, `{"type":"patch","patch":[{"op":"replace","path":"/opportunities_remaining","value":9}]}`, false)

	updates := rec.waitUpdates(t, 2)
	if updates[1].OpportunitiesRemaining != 9 {
		t.Fatalf("valid patch after bad frames not applied: %+v", updates[1])
	}

	var discarded, rejected bool
	for _, event := range memory.Events() {
		switch event.Type {
		case logging.EventFrameDiscarded:
			discarded = true
		case logging.EventPatchRejected:
			rejected = true
		}
	}
	if !discarded || !rejected {
		t.Fatalf("expected discard and reject events, got %+v", memory.Events())
	}
}

func TestServerErrorSurfacesNotice(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitUpdates(t, 1)

	b.sendFrame(t, `{"type":"error","detail":"天机紊乱"}`, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.notices)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.notices) == 0 || rec.notices[0] != "天机紊乱" {
		t.Fatalf("expected server error notice, got %v", rec.notices)
	}
	if len(rec.updates) != 1 {
		t.Fatalf("error frame should not produce an update, got %d", len(rec.updates))
	}
}

func TestRollEventsDeduplicateAcrossUpdates(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitUpdates(t, 1)

	roll := `{"id":"r1","type":"判定","target":50,"sides":100,"result":12,"outcome":"成功","result_text":"判定成功"}`
	b.sendFrame(t, `{"type":"patch","patch":[{"op":"add","path":"/roll_event","value":`+roll+`}]}`, false)
	b.sendFrame(t, `{"type":"patch","patch":[{"op":"replace","path":"/opportunities_remaining","value":9}]}`, false)
	b.sendFrame(t, `{"type":"patch","patch":[{"op":"replace","path":"/roll_event/id","value":"r2"}]}`, false)

	rec.waitUpdates(t, 4)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.rolls) != 2 {
		t.Fatalf("expected 2 roll notifications, got %d", len(rec.rolls))
	}
	if rec.rolls[0].ID != "r1" || rec.rolls[1].ID != "r2" {
		t.Fatalf("unexpected roll ids: %+v", rec.rolls)
	}
}

func TestSubmitRespectsGateAndConnection(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10,"is_processing":true}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitUpdates(t, 1)

	// Gated while processing: nothing reaches the wire.
	s.Submit("环顾四周")
	// Trial start overrides the processing flag.
	s.Submit("开始试炼")

	select {
	case action := <-b.actions:
		if action != `{"action":"开始试炼"}` {
			t.Fatalf("unexpected outbound frame %s", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("trial start never forwarded")
	}
	select {
	case action := <-b.actions:
		t.Fatalf("gated command leaked to the wire: %s", action)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitWhileDisconnectedSurfacesNotice(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10}`)
	rec := &recorder{}
	s := b.session(t, rec.hooks(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitUpdates(t, 1)
	s.Close()

	s.Submit("环顾四周")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.notices) == 0 {
		t.Fatalf("expected a not-connected notice")
	}
}

func TestLogoutPostsAndCloses(t *testing.T) {
	b := newBackend(t, `{"player_id":"wanderer","opportunities_remaining":10}`)
	s := b.session(t, Hooks{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if b.logouts.Load() != 1 {
		t.Fatalf("expected one logout call, got %d", b.logouts.Load())
	}
}
