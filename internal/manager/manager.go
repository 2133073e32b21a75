// Package manager is the top-level orchestrator: it owns one session's
// signaling client, peer registry, RTC connection manager, delivery buffer
// and stream interceptor, and exposes the public Connect/SendLog/OnLog/
// OnConnection/Disconnect/Forward/ForwardStreams surface.
//
// The Manager's own fields (connection info, peer id, observer sets) are
// guarded by a single mutex, the concurrent equivalent of the
// single-threaded cooperative event loop this design is ported from: every
// signaling callback, data-channel event and stream event takes that lock
// before touching them. The peer registry, RTC manager, delivery buffer and
// stream interceptor each guard their own state with their own lock.
package manager

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/puzed/openpull-node/internal/authproof"
	"github.com/puzed/openpull-node/internal/connstring"
	"github.com/puzed/openpull-node/internal/delivery"
	"github.com/puzed/openpull-node/internal/entry"
	"github.com/puzed/openpull-node/internal/obslog"
	"github.com/puzed/openpull-node/internal/peers"
	"github.com/puzed/openpull-node/internal/rtc"
	"github.com/puzed/openpull-node/internal/signaling"
	"github.com/puzed/openpull-node/internal/stream"
)

// LogHandler receives every entry this Manager originates (appender role)
// or receives (reader role).
type LogHandler func(entry.LogEntry)

// ConnectionHandler receives connection-state transitions: connected=true
// when any data channel opens, connected=false on teardown.
type ConnectionHandler func(peerID string, connected bool)

// Manager is a single appender-or-reader session. The zero value is not
// usable; construct with New.
type Manager struct {
	mu sync.Mutex

	info   connstring.ConnectionInfo
	peerID string
	ready  bool

	signal      *signaling.Client
	registry    *peers.Registry
	rtcManager  *rtc.Manager
	delivery    *delivery.Delivery
	interceptor *stream.Interceptor

	nextObserverID int
	logObservers   map[int]LogHandler
	connObservers  map[int]ConnectionHandler
}

// New returns an unconnected Manager. Call Connect before SendLog,
// Forward, or ForwardStreams do anything useful.
func New() *Manager {
	return &Manager{
		logObservers:  make(map[int]LogHandler),
		connObservers: make(map[int]ConnectionHandler),
	}
}

// Connect parses uri, dials the signaling service, runs the auth handshake,
// and returns once auth_success (or a server/socket error) resolves. This
// is one of the library's three suspension points.
func (m *Manager) Connect(ctx context.Context, uri string, defaultFields map[string]string) error {
	info, err := connstring.Parse(uri)
	if err != nil {
		return err
	}

	signal := signaling.New()
	registry := peers.New()
	rtcManager := rtc.New(signal, registry, nil)
	deliv := delivery.New(rtcManager)

	m.mu.Lock()
	m.info = info
	m.signal = signal
	m.registry = registry
	m.rtcManager = rtcManager
	m.delivery = deliv
	m.interceptor = stream.New(m.submit)
	m.mu.Unlock()

	m.wireComposedObservers()

	done := make(chan error, 1)
	var once sync.Once
	resolve := func(err error) { once.Do(func() { done <- err }) }

	signal.Handlers.OnAuthChallenge = func(msg signaling.AuthChallengeMsg) {
		proof, err := authproof.Generate(info.Key, info.PublicToken, string(info.Role), msg.Nonce, msg.Timestamp)
		if err != nil {
			obslog.Error("manager: proof generation failed", "error", err)
			resolve(fmt.Errorf("generate proof: %w", err))
			return
		}
		signal.Send(ctx, signaling.AuthMsg{
			Type:          signaling.TypeAuth,
			Role:          string(info.Role),
			Proof:         proof,
			DefaultFields: defaultFields,
		})
	}
	signal.Handlers.OnAuthSuccess = func(msg signaling.AuthSuccessMsg) {
		m.mu.Lock()
		m.peerID = msg.PeerID
		m.ready = true
		m.mu.Unlock()
		rtcManager.SetSelf(msg.PeerID, info.Role)
		signal.Send(ctx, signaling.PeerDiscoveryMsg{Type: signaling.TypePeerDiscovery})
		resolve(nil)
	}
	signal.Handlers.OnError = func(msg signaling.ErrorMsg) {
		m.mu.Lock()
		wasReady := m.ready
		m.mu.Unlock()
		if !wasReady {
			resolve(fmt.Errorf("signaling: %s", msg.Message))
			return
		}
		obslog.Error("manager: signaling error after handshake", "message", msg.Message)
		m.Disconnect()
	}
	signal.Handlers.OnPeerList = func(msg signaling.PeerListMsg) {
		list := make([]peers.PeerInfo, 0, len(msg.Peers))
		for _, p := range msg.Peers {
			pi := peers.PeerInfo{PeerID: p.PeerID, Role: connstring.Role(p.Role)}
			registry.Put(pi)
			list = append(list, pi)
		}
		rtcManager.OnPeerList(list)
	}
	signal.Handlers.OnPeerJoined = func(msg signaling.PeerJoinedMsg) {
		pi := peers.PeerInfo{PeerID: msg.PeerID, Role: connstring.Role(msg.Role)}
		registry.Put(pi)
		rtcManager.OnPeerJoined(pi)
	}
	signal.Handlers.OnPeerDisconnected = func(msg signaling.PeerDisconnectedMsg) {
		registry.Remove(msg.PeerID)
		rtcManager.OnPeerDisconnected(msg.PeerID)
	}

	if err := signal.Connect(ctx, info.Host, info.PublicToken); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wireComposedObservers chains the Manager's own connection-state
// notification on top of delivery's replay-on-open handler, since both
// want to react to rtc.Manager.OnOpen.
func (m *Manager) wireComposedObservers() {
	m.mu.Lock()
	rtcManager := m.rtcManager
	m.mu.Unlock()

	replayOnOpen := rtcManager.OnOpen
	rtcManager.OnOpen = func(peerID string) {
		if replayOnOpen != nil {
			replayOnOpen(peerID)
		}
		m.notifyConnection(peerID, true)
	}
	rtcManager.OnClosed = func(peerID string) {
		m.notifyConnection(peerID, false)
	}
	rtcManager.OnMessage = func(peerID string, data []byte) {
		var e entry.LogEntry
		if err := e.UnmarshalJSON(data); err != nil {
			obslog.Warn("manager: malformed inbound log entry, dropping", "peer", peerID, "error", err)
			return
		}
		m.notifyLog(e)
	}
}

// SendLog submits e through the delivery pipeline. A no-op, logged as a
// warning, when this Manager's role is not appender — readers never
// originate logs.
func (m *Manager) SendLog(e entry.LogEntry) {
	m.mu.Lock()
	role := m.info.Role
	deliv := m.delivery
	m.mu.Unlock()

	if role != connstring.RoleAppender {
		obslog.Warn("manager: sendLog called on non-appender role, dropping", "role", role)
		return
	}
	if deliv == nil {
		return
	}
	m.submit(e)
}

// submit is the single choke point used by SendLog and by the stream
// interceptor: buffer, broadcast, and notify log observers.
func (m *Manager) submit(e entry.LogEntry) {
	m.mu.Lock()
	deliv := m.delivery
	m.mu.Unlock()
	if deliv == nil {
		return
	}
	deliv.Submit(e)
	m.notifyLog(e)
}

// Forward wraps stdout/stderr in tee writers per internal/stream.Forward.
func (m *Manager) Forward(stdout, stderr io.Writer) (io.Writer, io.Writer, func()) {
	m.mu.Lock()
	ic := m.interceptor
	m.mu.Unlock()
	if ic == nil {
		return stdout, stderr, func() {}
	}
	return ic.Forward(stdout, stderr)
}

// ForwardStreams attaches to a child process's stdout/stderr readers.
func (m *Manager) ForwardStreams(stdout, stderr io.Reader) {
	m.mu.Lock()
	ic := m.interceptor
	m.mu.Unlock()
	if ic == nil {
		return
	}
	ic.ForwardStreams(stdout, stderr)
}

// OnLog registers handler for every entry this Manager submits or receives.
// Returns an unregister func; handlers are invoked synchronously and a
// panicking handler is recovered and logged without affecting the others.
func (m *Manager) OnLog(handler LogHandler) func() {
	m.mu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.logObservers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.logObservers, id)
		m.mu.Unlock()
	}
}

// OnConnection registers handler for connection-state transitions.
func (m *Manager) OnConnection(handler ConnectionHandler) func() {
	m.mu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.connObservers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.connObservers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyLog(e entry.LogEntry) {
	m.mu.Lock()
	handlers := make([]LogHandler, 0, len(m.logObservers))
	for _, h := range m.logObservers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		invokeLogHandler(h, e)
	}
}

func (m *Manager) notifyConnection(peerID string, connected bool) {
	m.mu.Lock()
	handlers := make([]ConnectionHandler, 0, len(m.connObservers))
	for _, h := range m.connObservers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		invokeConnectionHandler(h, peerID, connected)
	}
}

func invokeLogHandler(h LogHandler, e entry.LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			obslog.Error("manager: log observer panicked", "recover", r)
		}
	}()
	h(e)
}

func invokeConnectionHandler(h ConnectionHandler, peerID string, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			obslog.Error("manager: connection observer panicked", "recover", r)
		}
	}()
	h(peerID, connected)
}

// Disconnect performs full cleanup: stop the RTC manager (stale-sweep timer
// plus every connection), clear the peer registry, close the signaling
// socket, clear the peer id and role, and mark the session no longer ready.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	rtcManager := m.rtcManager
	registry := m.registry
	signal := m.signal
	wasReady := m.ready
	m.ready = false
	m.peerID = ""
	m.info.Role = ""
	m.mu.Unlock()

	if !wasReady && rtcManager == nil {
		return
	}

	if rtcManager != nil {
		rtcManager.Close()
	}
	if registry != nil {
		registry.Clear()
	}
	if signal != nil {
		signal.Close()
	}
}

// PeerID returns the server-assigned identity, or empty if not connected.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// Role returns the role this Manager connected as, or empty after
// Disconnect.
func (m *Manager) Role() connstring.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Role
}
