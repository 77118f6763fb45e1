package ws

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agenthub/internal/dispatcher"
	"agenthub/internal/models"
	"agenthub/internal/service/session"
	"agenthub/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

type mockStreamer struct {
	sessions *session.Service
	err      error
}

func (m *mockStreamer) Stream(req dispatcher.StreamRequest) (*models.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := m.sessions.AppendMessage(ctx, req.SessionID, req.Role, req.Content); err != nil {
		return nil, err
	}
	if req.ChunkFn != nil {
		for _, chunk := range []string{"echo: ", req.Content} {
			if err := req.ChunkFn(chunk); err != nil {
				return nil, err
			}
		}
	}
	return m.sessions.AppendMessage(ctx, req.SessionID, models.RoleAgent, "echo: "+req.Content)
}

func newWSTestServer(t *testing.T) (*httptest.Server, *session.Service, *Hub, *mockStreamer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:ws_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := session.NewService(db)
	streamer := &mockStreamer{sessions: sessions}
	hub := NewHub()
	handler := NewHandler(sessions, streamer, hub, "mock")

	router := gin.New()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, sessions, hub, streamer
}

func dialChat(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame outboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestChatExchange(t *testing.T) {
	server, sessions, _, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}

	if err := conn.WriteJSON(map[string]string{"role": "user", "content": "hello"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	if frame := readFrame(t, conn); frame.Type != "ack" || frame.Content != "hello" {
		t.Fatalf("expected ack frame, got %+v", frame)
	}
	var assembled string
	for {
		frame := readFrame(t, conn)
		switch frame.Type {
		case "chunk":
			assembled += frame.Content
			continue
		case "end":
			if frame.Content != "echo: hello" || assembled != "echo: hello" {
				t.Fatalf("mismatched stream: end %q, chunks %q", frame.Content, assembled)
			}
			if frame.Seq != 2 {
				t.Fatalf("expected agent message seq 2, got %d", frame.Seq)
			}
		default:
			t.Fatalf("unexpected frame %+v", frame)
		}
		break
	}

	// Both sides of the exchange are durable.
	msgs, err := sessions.ListMessages(context.Background(), sess.ID, 10, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages, got %d (err %v)", len(msgs), err)
	}
}

func TestChatEmptyContent(t *testing.T) {
	server, sessions, _, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}
	if err := conn.WriteJSON(map[string]string{"role": "user", "content": ""}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Type != "error" || !strings.Contains(frame.Error, "empty") {
		t.Fatalf("expected empty-content error, got %+v", frame)
	}

	// The connection survives the bad frame.
	if err := conn.WriteJSON(map[string]string{"role": "user", "content": "still here"}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if frame := readFrame(t, conn); frame.Type != "ack" {
		t.Fatalf("expected ack after recovery, got %+v", frame)
	}
}

func TestChatUnknownSession(t *testing.T) {
	server, _, _, _ := newWSTestServer(t)

	conn := dialChat(t, server, uuid.NewString())
	frame := readFrame(t, conn)
	if frame.Type != "error" || !strings.Contains(frame.Error, "not found") {
		t.Fatalf("expected not-found error frame, got %+v", frame)
	}
	// The server closes after the error frame.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&frame); err == nil {
		t.Fatalf("expected connection close, got frame %+v", frame)
	}
}

func TestChatEndedSession(t *testing.T) {
	server, sessions, _, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := sessions.EndSession(context.Background(), sess.ID, ""); err != nil {
		t.Fatalf("end session: %v", err)
	}

	conn := dialChat(t, server, sess.ID)
	frame := readFrame(t, conn)
	if frame.Type != "error" || !strings.Contains(frame.Error, "ended") {
		t.Fatalf("expected ended error frame, got %+v", frame)
	}
}

func TestChatBackToBackMessages(t *testing.T) {
	server, sessions, _, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}

	// Both messages go out before any reply is read.
	for _, text := range []string{"first", "second"} {
		if err := conn.WriteJSON(map[string]string{"role": "user", "content": text}); err != nil {
			t.Fatalf("write %q: %v", text, err)
		}
	}

	// Replies arrive as two complete ack/chunk/end sequences in send order,
	// never interleaved.
	for _, text := range []string{"first", "second"} {
		frame := readFrame(t, conn)
		if frame.Type != "ack" || frame.Content != text {
			t.Fatalf("expected ack for %q, got %+v", text, frame)
		}
		var assembled string
		for {
			frame = readFrame(t, conn)
			if frame.Type == "chunk" {
				assembled += frame.Content
				continue
			}
			if frame.Type != "end" {
				t.Fatalf("unexpected frame %+v inside reply to %q", frame, text)
			}
			if frame.Content != "echo: "+text || assembled != frame.Content {
				t.Fatalf("mixed streams for %q: end %q, chunks %q", text, frame.Content, assembled)
			}
			break
		}
	}
}

func TestChatEndedMidConnectionWithRelayTraffic(t *testing.T) {
	server, sessions, hub, streamer := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	streamer.err = session.ErrSessionEnded

	conn := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}

	// Hammer the pool from another goroutine, the way the cross-process
	// relay does, while the handler shuts the connection down.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Broadcast(sess.ID, []byte(`{"type":"chunk","content":"relayed"}`))
			}
		}
	}()

	if err := conn.WriteJSON(map[string]string{"role": "user", "content": "hello"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	sawEnded := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame outboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			// Server closed the connection after the error frame.
			break
		}
		if frame.Type == "error" && strings.Contains(frame.Error, "ended") {
			sawEnded = true
		}
	}
	close(stop)
	wg.Wait()

	if !sawEnded {
		t.Fatalf("expected ended error frame before close")
	}
}

func TestConnectionStats(t *testing.T) {
	server, sessions, hub, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn1 := dialChat(t, server, sess.ID)
	conn2 := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn1); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}
	if frame := readFrame(t, conn2); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}

	stats := hub.Stats()
	if stats["total_connections"] != 2 {
		t.Fatalf("expected 2 connections, got %v", stats["total_connections"])
	}
	if stats["active_sessions"] != 1 {
		t.Fatalf("expected 1 active session, got %v", stats["active_sessions"])
	}

	conn1.Close()
	conn2.Close()
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	server, sessions, hub, _ := newWSTestServer(t)
	sess, err := sessions.CreateSession(context.Background(), "acme", "support")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn1 := dialChat(t, server, sess.ID)
	conn2 := dialChat(t, server, sess.ID)
	if frame := readFrame(t, conn1); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}
	if frame := readFrame(t, conn2); frame.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", frame)
	}

	hub.Broadcast(sess.ID, []byte(`{"type":"chunk","content":"relayed"}`))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		frame := readFrame(t, conn)
		if frame.Type != "chunk" || frame.Content != "relayed" {
			t.Fatalf("expected relayed chunk, got %+v", frame)
		}
	}
}
