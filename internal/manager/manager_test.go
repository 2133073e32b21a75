package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/puzed/openpull-node/internal/connstring"
	"github.com/puzed/openpull-node/internal/entry"
	"github.com/puzed/openpull-node/internal/signaling"
)

// newHandshakeServer spins up a TLS test server that performs exactly the
// auth_challenge/auth/auth_success/peer_discovery sequence, then idles.
func newHandshakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ctx := context.Background()

		challenge, _ := json.Marshal(signaling.AuthChallengeMsg{
			Type: signaling.TypeAuthChallenge, Nonce: "n1", Timestamp: 1700000000,
		})
		if conn.Write(ctx, websocket.MessageText, challenge) != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var auth signaling.AuthMsg
		if json.Unmarshal(data, &auth) != nil || auth.Type != signaling.TypeAuth {
			return
		}

		success, _ := json.Marshal(signaling.AuthSuccessMsg{Type: signaling.TypeAuthSuccess, PeerID: "peer-1"})
		if conn.Write(ctx, websocket.MessageText, success) != nil {
			return
		}

		// Drain peer_discovery, then idle briefly so the client's readLoop
		// has something to block on until the test tears things down.
		conn.Read(ctx)
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	return srv
}

func TestConnectHandshakeSucceeds(t *testing.T) {
	srv := newHandshakeServer(t)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	m := New()
	uri := "openpull://appender:00@" + host + "/XYZ"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Connect(ctx, uri, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.PeerID() != "peer-1" {
		t.Errorf("PeerID() = %q, want peer-1", m.PeerID())
	}
	if m.Role() != connstring.RoleAppender {
		t.Errorf("Role() = %q, want appender", m.Role())
	}

	m.Disconnect()
	m.Disconnect() // idempotent
}

func TestConnectInvalidURIFailsFast(t *testing.T) {
	m := New()
	err := m.Connect(context.Background(), "http://not-openpull", nil)
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestSendLogRoleGuardDropsOnReaderRole(t *testing.T) {
	srv := newHandshakeServer(t)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	m := New()
	uri := "openpull://reader:00@" + host + "/XYZ"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, uri, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	var got []entry.LogEntry
	unregister := m.OnLog(func(e entry.LogEntry) { got = append(got, e) })
	defer unregister()

	m.SendLog(entry.LogEntry{Type: entry.SeverityInfo, Message: "should be dropped"})

	if len(got) != 0 {
		t.Errorf("reader role must not originate logs, got %v", got)
	}
}

func TestOnLogUnregisterStopsDelivery(t *testing.T) {
	srv := newHandshakeServer(t)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	m := New()
	uri := "openpull://appender:00@" + host + "/XYZ"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, uri, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	var count int
	unregister := m.OnLog(func(entry.LogEntry) { count++ })
	m.SendLog(entry.LogEntry{Type: entry.SeverityInfo, Message: "one"})
	unregister()
	m.SendLog(entry.LogEntry{Type: entry.SeverityInfo, Message: "two"})

	if count != 1 {
		t.Errorf("count = %d, want 1 (handler should stop firing after unregister)", count)
	}
}

func TestOnLogObserverPanicDoesNotAffectOthers(t *testing.T) {
	srv := newHandshakeServer(t)
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "https://")

	m := New()
	uri := "openpull://appender:00@" + host + "/XYZ"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx, uri, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	var secondFired bool
	m.OnLog(func(entry.LogEntry) { panic("boom") })
	m.OnLog(func(entry.LogEntry) { secondFired = true })

	m.SendLog(entry.LogEntry{Type: entry.SeverityInfo, Message: "hello"})

	if !secondFired {
		t.Error("second observer must still fire after the first panics")
	}
}
