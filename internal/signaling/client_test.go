package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
}

func TestClientAuthChallengeRoundTrip(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		challenge, _ := json.Marshal(AuthChallengeMsg{Type: TypeAuthChallenge, Nonce: "n1", Timestamp: 1})
		if err := conn.Write(ctx, websocket.MessageText, challenge); err != nil {
			t.Logf("server write: %v", err)
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Logf("server read: %v", err)
			return
		}
		var auth AuthMsg
		if err := json.Unmarshal(data, &auth); err != nil {
			t.Logf("server decode: %v", err)
			return
		}
		if auth.Type != TypeAuth {
			t.Errorf("expected auth message, got %q", auth.Type)
		}

		success, _ := json.Marshal(AuthSuccessMsg{Type: TypeAuthSuccess, PeerID: "peer-1"})
		conn.Write(ctx, websocket.MessageText, success)
		time.Sleep(50 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})
	defer srv.Close()

	wsURL := strings.TrimPrefix(srv.URL, "http://")

	challengeCh := make(chan AuthChallengeMsg, 1)
	successCh := make(chan AuthSuccessMsg, 1)

	c := New()
	c.Handlers = Handlers{
		OnAuthChallenge: func(m AuthChallengeMsg) {
			challengeCh <- m
		},
		OnAuthSuccess: func(m AuthSuccessMsg) {
			successCh <- m
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dial over ws:// — the test server isn't TLS, and the client dials
	// wss:// by construction, so drive the lower-level dial directly via
	// Connect's host-based URL assembly isn't exercised here; instead we
	// verify the message plumbing against a raw connection.
	conn, _, err := websocket.Dial(ctx, "ws://"+wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attempts++
	c.mu.Unlock()
	go c.readLoop(ctx)

	select {
	case m := <-challengeCh:
		if m.Nonce != "n1" {
			t.Errorf("nonce = %q, want n1", m.Nonce)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth_challenge")
	}

	c.Send(ctx, AuthMsg{Type: TypeAuth, Role: "appender", Proof: "deadbeef"})

	select {
	case m := <-successCh:
		if m.PeerID != "peer-1" {
			t.Errorf("peerId = %q, want peer-1", m.PeerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for auth_success")
	}

	if got := c.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
	if got := c.MaxAttempts(); got != maxReconnectionAttempts {
		t.Errorf("MaxAttempts() = %d, want %d", got, maxReconnectionAttempts)
	}

	c.Close()
}

func TestSendDropsWhenNotConnected(t *testing.T) {
	c := New()
	// No conn set — Send must not panic or block.
	c.Send(context.Background(), AuthMsg{Type: TypeAuth})
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"localhost:3000":  true,
		"127.0.0.1:3000":  true,
		"[::1]:3000":      true,
		"example.com:443": false,
		"session.example.com": false,
	}
	for host, want := range cases {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}
