package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/claim-intake/internal/conversation"
	"github.com/ashureev/claim-intake/internal/domain"
)

type fakeConn struct {
	closed atomic.Int32
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closed.Add(1)
	return nil
}

func TestSessionManager_Register(t *testing.T) {
	sm := NewSessionManager()
	conn := &fakeConn{}

	sm.Register(1, conn)

	if active := sm.current(1); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestSessionManager_ReplaceClosesPrevious(t *testing.T) {
	sm := NewSessionManager()
	first, second := &fakeConn{}, &fakeConn{}

	sm.Register(1, first)
	sm.Register(1, second)

	if first.closed.Load() != 1 {
		t.Error("expected replaced connection to be closed")
	}
	if sm.current(1) != second {
		t.Error("expected the new connection to be active")
	}

	// A stale unregister from the replaced socket keeps the new one.
	sm.Unregister(1, first)
	if sm.current(1) != second {
		t.Error("stale unregister removed the live connection")
	}
	sm.Unregister(1, second)
	if sm.current(1) != nil {
		t.Error("expected no active connection")
	}
}

func TestSessionManager_CloseAll(t *testing.T) {
	sm := NewSessionManager()
	conns := []*fakeConn{{}, {}, {}}
	for i, c := range conns {
		sm.Register(int64(i+1), c)
	}

	sm.CloseAll()

	for i, c := range conns {
		if c.closed.Load() != 1 {
			t.Errorf("connection %d not closed", i)
		}
	}
	if sm.Count() != 0 {
		t.Errorf("expected no connections, got %d", sm.Count())
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	sm := NewSessionManager()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := range 1000 {
			sm.Register(int64(i), &fakeConn{})
		}
	}()
	for i := range 1000 {
		sm.current(int64(i))
	}
	<-done
}

type fakeMessages struct{}

func (fakeMessages) Lookup(_ context.Context, id int64) (*domain.Conversation, error) {
	if id != 1 {
		return nil, fmt.Errorf("%w: conversation %d", domain.ErrNotFound, id)
	}
	return &domain.Conversation{ID: id}, nil
}

func (fakeMessages) ReceiveMessage(_ context.Context, id int64, text string) (*conversation.Reply, error) {
	if text == "" {
		return nil, domain.ErrUnhandledState
	}
	return &conversation.Reply{ConversationID: id, Body: conversation.Text("echo: " + text)}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *SessionManager) {
	t.Helper()
	sm := NewSessionManager()
	r := chi.NewRouter()
	r.Handle("/ws/conversation/{id}", NewWebSocketHandler(fakeMessages{}, sm, nil, []string{"http://localhost:3000"}, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sm
}

func dial(t *testing.T, srv *httptest.Server, id int64) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/conversation/" + strconv.FormatInt(id, 10)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func exchange(t *testing.T, conn *websocket.Conn, msg wsMessage) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, resp, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return got
}

func TestWebSocketExchange(t *testing.T) {
	srv, sm := newTestServer(t)
	conn := dial(t, srv, 1)

	if got := exchange(t, conn, wsMessage{Type: "ping"}); got["type"] != "pong" {
		t.Errorf("expected pong, got %v", got)
	}
	if sm.Count() != 1 {
		t.Errorf("expected one registered socket, got %d", sm.Count())
	}

	got := exchange(t, conn, wsMessage{Type: "message", Content: "hello"})
	if got["message"] != "echo: hello" || got["conversation_id"] != 1.0 {
		t.Errorf("unexpected reply %v", got)
	}

	got = exchange(t, conn, wsMessage{Type: "message"})
	if got["type"] != "error" || got["status"] != float64(http.StatusBadRequest) {
		t.Errorf("expected error frame, got %v", got)
	}

	if got := exchange(t, conn, wsMessage{Type: "close"}); got["type"] != "closed" {
		t.Errorf("expected closed ack, got %v", got)
	}
}

func TestWebSocketUnknownConversation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws/conversation/2")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:3000", "https://intake.example.com/", "*"})
	want := []string{"localhost:3000", "intake.example.com", "*"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pattern %d = %q, want %q", i, got[i], want[i])
		}
	}
}
