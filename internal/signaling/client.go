// Package signaling is the WebSocket control plane: authentication,
// peer discovery, and SDP/ICE relay. It does not itself understand WebRTC —
// it only moves JSON envelopes between this process and the signaling
// service.
package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/puzed/openpull-node/internal/obslog"
)

const maxReconnectionAttempts = 5

// Handlers is the set of callbacks invoked as messages arrive. Each is
// optional; a nil handler means the message type is ignored.
type Handlers struct {
	OnAuthChallenge    func(AuthChallengeMsg)
	OnAuthSuccess      func(AuthSuccessMsg)
	OnError            func(ErrorMsg)
	OnPeerList         func(PeerListMsg)
	OnPeerJoined       func(PeerJoinedMsg)
	OnPeerDisconnected func(PeerDisconnectedMsg)
	OnOffer            func(OfferMsg)
	OnAnswer           func(AnswerMsg)
	OnICE              func(ICEMsg)
}

// Client is a single signaling WebSocket connection.
type Client struct {
	Handlers Handlers

	mu       sync.Mutex
	conn     *websocket.Conn
	attempts int
}

// New returns an unconnected Client. Set Handlers before calling Connect so
// no messages are missed.
func New() *Client {
	return &Client{}
}

// Connect dials wss://<host>/<publicToken?>, disabling TLS verification for
// loopback authorities (development convenience), and starts the receive
// loop in a background goroutine. It returns once the socket is open; the
// caller still needs to wait for auth_success via Handlers.OnAuthSuccess.
func (c *Client) Connect(ctx context.Context, host, publicToken string) error {
	u := fmt.Sprintf("wss://%s/%s", host, strings.TrimPrefix(publicToken, "/"))

	opts := &websocket.DialOptions{}
	if isLoopback(host) {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // loopback dev convenience only
			},
		}
	}

	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

// Attempts returns the number of connection attempts made so far.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// MaxAttempts returns the fixed reconnection attempt ceiling the client
// tracks. The client does not reconnect automatically; this is exposed for
// callers that implement their own reconnect policy.
func (c *Client) MaxAttempts() int { return maxReconnectionAttempts }

// Send encodes v as JSON and writes it to the socket. Messages are dropped
// silently if the socket is not open, matching the source's "best effort"
// send semantics — signaling loss is detected via the read loop, not send
// errors.
func (c *Client) Send(ctx context.Context, v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		obslog.Warn("signaling: marshal outbound message", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		obslog.Warn("signaling: send failed, dropping", "error", err)
	}
}

// Close closes the underlying socket, if any. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			obslog.Info("signaling: read loop ended", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			obslog.Warn("signaling: malformed message", "error", err)
			continue
		}

		c.dispatch(env.Type, data)
	}
}

func (c *Client) dispatch(msgType string, data []byte) {
	switch msgType {
	case TypeAuthChallenge:
		if c.Handlers.OnAuthChallenge == nil {
			return
		}
		var m AuthChallengeMsg
		if decode(data, &m) {
			c.Handlers.OnAuthChallenge(m)
		}
	case TypeAuthSuccess:
		if c.Handlers.OnAuthSuccess == nil {
			return
		}
		var m AuthSuccessMsg
		if decode(data, &m) {
			c.Handlers.OnAuthSuccess(m)
		}
	case TypeError:
		if c.Handlers.OnError == nil {
			return
		}
		var m ErrorMsg
		if decode(data, &m) {
			c.Handlers.OnError(m)
		}
	case TypePeerList:
		if c.Handlers.OnPeerList == nil {
			return
		}
		var m PeerListMsg
		if decode(data, &m) {
			c.Handlers.OnPeerList(m)
		}
	case TypePeerJoined:
		if c.Handlers.OnPeerJoined == nil {
			return
		}
		var m PeerJoinedMsg
		if decode(data, &m) {
			c.Handlers.OnPeerJoined(m)
		}
	case TypePeerDisconnected:
		if c.Handlers.OnPeerDisconnected == nil {
			return
		}
		var m PeerDisconnectedMsg
		if decode(data, &m) {
			c.Handlers.OnPeerDisconnected(m)
		}
	case TypeWebRTCOffer:
		if c.Handlers.OnOffer == nil {
			return
		}
		var m OfferMsg
		if decode(data, &m) {
			c.Handlers.OnOffer(m)
		}
	case TypeWebRTCAnswer:
		if c.Handlers.OnAnswer == nil {
			return
		}
		var m AnswerMsg
		if decode(data, &m) {
			c.Handlers.OnAnswer(m)
		}
	case TypeWebRTCICE:
		if c.Handlers.OnICE == nil {
			return
		}
		var m ICEMsg
		if decode(data, &m) {
			c.Handlers.OnICE(m)
		}
	default:
		obslog.Debug("signaling: unknown message type", "type", msgType)
	}
}

func decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		obslog.Warn("signaling: decode failed", "error", err)
		return false
	}
	return true
}

func isLoopback(host string) bool {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
