package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeService is an in-process conversation endpoint.
type fakeService struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	upgrades atomic.Int32

	mu      sync.Mutex
	agentID string
	apiKey  string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	f := &fakeService{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.agentID = r.URL.Query().Get("agent_id")
		f.apiKey = r.Header.Get("xi-api-key")
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.upgrades.Add(1)
		f.conns <- conn
	}))

	t.Cleanup(func() {
		close(f.conns)
		for c := range f.conns {
			c.Close()
		}
		f.srv.Close()
	})
	return f
}

func (f *fakeService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeService) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("client sent invalid JSON %q: %v", data, err)
	}
	return msg
}

func writeFrame(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

func connectTransport(t *testing.T, f *fakeService, opts ...Option) (*ElevenLabs, *websocket.Conn) {
	t.Helper()
	opts = append([]Option{WithAgentID("agent_123"), WithBaseURL(f.url())}, opts...)
	e, err := NewElevenLabs(opts...)
	if err != nil {
		t.Fatalf("NewElevenLabs: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := f.accept(t)
	if msg := readFrame(t, conn); msg["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first frame must be session init, got %v", msg)
	}
	return e, conn
}

func TestElevenLabsConnect(t *testing.T) {
	f := newFakeService(t)

	e, err := NewElevenLabs(
		WithAgentID("agent_123"),
		WithAPIKey("secret"),
		WithBaseURL(f.url()),
	)
	if err != nil {
		t.Fatalf("NewElevenLabs: %v", err)
	}
	defer e.Close()

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if e.State() != StateOpen {
		t.Errorf("expected open, got %s", e.State())
	}

	conn := f.accept(t)
	msg := readFrame(t, conn)
	if msg["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first frame must be session init, got %v", msg)
	}
	gen, _ := msg["generation_config"].(map[string]any)
	if gen["output_format"] != "pcm_16000" {
		t.Errorf("expected pcm_16000 output format, got %v", gen)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agentID != "agent_123" {
		t.Errorf("expected agent_id query agent_123, got %q", f.agentID)
	}
	if f.apiKey != "secret" {
		t.Errorf("expected xi-api-key header, got %q", f.apiKey)
	}
}

func TestElevenLabsConnectTwice(t *testing.T) {
	f := newFakeService(t)
	e, _ := connectTransport(t, f)

	if err := e.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.upgrades.Load(); n != 1 {
		t.Errorf("expected 1 socket, got %d", n)
	}
}

func TestElevenLabsSendAudio(t *testing.T) {
	f := newFakeService(t)
	e, conn := connectTransport(t, f)

	pcm := []byte{1, 2, 3, 4}
	if err := e.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := readFrame(t, conn)
	if msg["user_audio_chunk"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("unexpected audio frame: %v", msg)
	}
	if got := e.Metrics().AudioBytesSent; got != 4 {
		t.Errorf("expected 4 audio bytes sent, got %d", got)
	}
}

func TestElevenLabsPingPong(t *testing.T) {
	f := newFakeService(t)
	e, conn := connectTransport(t, f)

	sent := time.Now()
	writeFrame(t, conn, `{"type":"ping","ping_event":{"event_id":"abc","ping_ms":50}}`)

	msg := readFrame(t, conn)
	elapsed := time.Since(sent)
	if msg["type"] != "pong" || msg["event_id"] != "abc" {
		t.Fatalf("unexpected pong: %v", msg)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("pong sent after %v, want >= 50ms", elapsed)
	}

	// Exactly once.
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("unexpected second frame: %s", data)
	} else {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("expected read timeout, got %v", err)
		}
	}

	if got := e.Metrics().PingsAnswered; got != 1 {
		t.Errorf("expected 1 ping answered, got %d", got)
	}
}

func TestElevenLabsCloseCancelsPendingPong(t *testing.T) {
	f := newFakeService(t)

	closed := make(chan error, 1)
	e, conn := connectTransport(t, f)
	e.OnClose(func(err error) { closed <- err })

	writeFrame(t, conn, `{"type":"ping","ping_event":{"event_id":1,"ping_ms":100}}`)
	time.Sleep(20 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if e.State() != StateClosed {
		t.Errorf("expected closed, got %s", e.State())
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close frame, got %s", data)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}

	select {
	case err := <-closed:
		t.Errorf("close callback must not fire on explicit Close, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestElevenLabsEventDispatch(t *testing.T) {
	f := newFakeService(t)
	e, conn := connectTransport(t, f)

	events := make(chan Event, 8)
	e.OnEvent(func(ev Event) { events <- ev })

	audio := base64.StdEncoding.EncodeToString(make([]byte, 3200))
	writeFrame(t, conn, `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_1"}}`)
	writeFrame(t, conn, `{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`)
	writeFrame(t, conn, `not json at all`)
	writeFrame(t, conn, `{"type":"something_new"}`)
	writeFrame(t, conn, `{"type":"audio","audio_event":{"event_id":1,"audio_base_64":"`+audio+`"}}`)

	want := []string{"conversation_initiation_metadata", "user_transcript", "something_new", "audio"}
	for i, typ := range want {
		select {
		case ev := <-events:
			if ev.EventType() != typ {
				t.Errorf("event %d: expected %s, got %s", i, typ, ev.EventType())
			}
			if a, ok := ev.(*AudioEvent); ok && len(a.Audio) != 3200 {
				t.Errorf("expected 3200 audio bytes, got %d", len(a.Audio))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d (%s)", i, typ)
		}
	}

	if e.ConversationID() != "conv_1" {
		t.Errorf("expected conversation id conv_1, got %q", e.ConversationID())
	}
	if e.State() != StateOpen {
		t.Errorf("malformed frame must not end the session, state %s", e.State())
	}
	if got := e.Metrics().Errors; got != 1 {
		t.Errorf("expected 1 protocol error, got %d", got)
	}
}

func TestElevenLabsRemoteClose(t *testing.T) {
	t.Run("normal close", func(t *testing.T) {
		f := newFakeService(t)
		e, conn := connectTransport(t, f)

		closed := make(chan error, 1)
		e.OnClose(func(err error) { closed <- err })

		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))

		select {
		case err := <-closed:
			if err != nil {
				t.Errorf("expected nil error for normal close, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for close callback")
		}
		if e.State() != StateClosed {
			t.Errorf("expected closed, got %s", e.State())
		}
		if err := e.SendAudio([]byte{0, 0}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected after close, got %v", err)
		}
	})

	t.Run("dropped connection", func(t *testing.T) {
		f := newFakeService(t)
		e, conn := connectTransport(t, f)

		closed := make(chan error, 1)
		e.OnClose(func(err error) { closed <- err })

		conn.Close()

		select {
		case err := <-closed:
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Errorf("expected *ConnectionError, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for close callback")
		}
		if e.State() != StateErrored {
			t.Errorf("expected errored, got %s", e.State())
		}
	})

	t.Run("reconnect after close", func(t *testing.T) {
		f := newFakeService(t)
		e, conn := connectTransport(t, f)
		conn.Close()

		deadline := time.Now().Add(2 * time.Second)
		for e.State() == StateOpen && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		if err := e.Connect(context.Background()); err != nil {
			t.Fatalf("reconnect failed: %v", err)
		}
		f.accept(t)
		if e.State() != StateOpen {
			t.Errorf("expected open after reconnect, got %s", e.State())
		}
	})
}

func TestElevenLabsDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	e, err := NewElevenLabs(WithAgentID("agent_123"), WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("NewElevenLabs: %v", err)
	}

	err = e.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", connErr.StatusCode)
	}
	if connErr.IsRetryable() {
		t.Error("4xx handshake failures should not be retryable")
	}
	if e.State() != StateErrored {
		t.Errorf("expected errored, got %s", e.State())
	}
}

func TestElevenLabsSignedURL(t *testing.T) {
	f := newFakeService(t)

	e, err := NewElevenLabs(WithSignedURL(f.url() + "/signed?conversation_signature=sig"))
	if err != nil {
		t.Fatalf("NewElevenLabs: %v", err)
	}
	defer e.Close()

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.accept(t)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.agentID != "" {
		t.Errorf("signed URL must be dialed verbatim, got agent_id=%q", f.agentID)
	}
}
