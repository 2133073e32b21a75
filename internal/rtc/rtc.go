// Package rtc is the per-peer WebRTC connection manager: state machine,
// initiator election, and data-channel lifecycle for the "logs" channel.
package rtc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/puzed/openpull-node/internal/connstring"
	"github.com/puzed/openpull-node/internal/obslog"
	"github.com/puzed/openpull-node/internal/peers"
	"github.com/puzed/openpull-node/internal/signaling"
)

// State is a point in the per-peer connection state machine.
type State int

const (
	StatePending State = iota
	StateNegotiating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	dataChannelLabel = "logs"
	joinSettleDelay  = time.Second
	staleSweepPeriod = 5 * time.Second
)

var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Connection is the per-peer record the Manager owns exclusively.
type Connection struct {
	PeerID string
	Role   connstring.Role

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state State

	// remoteDescSet and pendingCandidates implement the queue-until-ready
	// rule for remote ICE candidates that race the offer/answer exchange
	// (§4.4): a candidate arriving before SetRemoteDescription succeeds is
	// held here and flushed once it does.
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
}

// State returns the connection's current state machine position.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DataChannel returns the connection's data channel, or nil if not yet open.
func (c *Connection) DataChannel() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

// Manager tracks one Connection per remote peer and drives the WebRTC
// signaling exchange over a signaling.Client.
type Manager struct {
	signal     *signaling.Client
	registry   *peers.Registry
	iceServers []webrtc.ICEServer

	selfPeerID string
	selfRole   connstring.Role

	// OnOpen fires when any data channel transitions to open.
	OnOpen func(peerID string)
	// OnClosed fires when a connection tears down.
	OnClosed func(peerID string)
	// OnMessage fires for every message received on an open data channel
	// (used by the reader role; the appender role never receives logs).
	OnMessage func(peerID string, data []byte)

	mu         sync.Mutex
	conns      map[string]*Connection
	sweepTimer *time.Timer
	stopped    bool
}

// New returns a Manager bound to signal for SDP/ICE relay and registry for
// role lookups during the incoming-offer path.
func New(signal *signaling.Client, registry *peers.Registry, iceServers []webrtc.ICEServer) *Manager {
	if iceServers == nil {
		iceServers = defaultICEServers
	}
	m := &Manager{
		signal:     signal,
		registry:   registry,
		iceServers: iceServers,
		conns:      make(map[string]*Connection),
	}
	signal.Handlers.OnOffer = m.handleOffer
	signal.Handlers.OnAnswer = m.handleAnswer
	signal.Handlers.OnICE = m.handleICE
	m.startStaleSweep()
	return m
}

// SetSelf records the Manager's own peer identity, assigned on auth_success.
func (m *Manager) SetSelf(peerID string, role connstring.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfPeerID = peerID
	m.selfRole = role
}

// OnPeerList runs initiator election immediately against every peer in the
// snapshot.
func (m *Manager) OnPeerList(list []peers.PeerInfo) {
	for _, p := range list {
		m.considerPeer(p)
	}
}

// OnPeerJoined schedules initiator election after a 1s settle delay, giving
// the new peer time to finish its own bookkeeping.
func (m *Manager) OnPeerJoined(p peers.PeerInfo) {
	time.AfterFunc(joinSettleDelay, func() {
		m.considerPeer(p)
	})
}

// OnPeerDisconnected tears down any connection to the departing peer.
func (m *Manager) OnPeerDisconnected(peerID string) {
	m.teardown(peerID)
}

// considerPeer applies the role filter and, if a connection should exist
// and doesn't yet, elects an initiator and kicks off negotiation. If a
// connection already exists for this peer (opportunistically created from
// an incoming offer with a guessed role, per §9 option (b)) and the
// registry's authoritative role contradicts it — leaving the pair
// same-role — the connection is torn down rather than left open, per
// invariant 7.
func (m *Manager) considerPeer(p peers.PeerInfo) {
	m.mu.Lock()
	self := m.selfPeerID
	selfRole := m.selfRole
	_, exists := m.conns[p.PeerID]
	m.mu.Unlock()

	if self == "" || p.PeerID == self {
		return
	}
	if !complementary(selfRole, p.Role) {
		if exists {
			m.teardown(p.PeerID)
		}
		return
	}
	if exists {
		return
	}

	if self < p.PeerID {
		// We are the initiator: create the connection and drive the offer.
		conn := m.newConnection(p.PeerID, p.Role)
		if err := m.createOffer(conn); err != nil {
			obslog.Warn("rtc: create offer failed", "peer", p.PeerID, "error", err)
		}
	}
	// Otherwise we wait for the remote offer; nothing to do yet.
}

func complementary(a, b connstring.Role) bool {
	return (a == connstring.RoleAppender && b == connstring.RoleReader) ||
		(a == connstring.RoleReader && b == connstring.RoleAppender)
}

func (m *Manager) newConnection(peerID string, role connstring.Role) *Connection {
	conn := &Connection{PeerID: peerID, Role: role, state: StatePending}
	m.mu.Lock()
	m.conns[peerID] = conn
	m.mu.Unlock()
	return conn
}

func (m *Manager) getOrCreateConnection(peerID string, defaultRole connstring.Role) *Connection {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	m.mu.Unlock()
	if ok {
		return conn
	}

	role := defaultRole
	if p, ok := m.registry.Get(peerID); ok {
		role = p.Role
	}
	return m.newConnection(peerID, role)
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
}

// createOffer builds a PeerConnection + ordered DataChannel, wires the
// lifecycle callbacks, and sends the resulting offer via signaling.
func (m *Manager) createOffer(conn *Connection) error {
	pc, err := m.newPeerConnection()
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	conn.mu.Lock()
	conn.pc = pc
	conn.dc = dc
	conn.state = StateNegotiating
	conn.mu.Unlock()

	m.wireDataChannel(conn, dc)
	m.wireConnectionState(conn, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("set local description: %w", err)
	}

	m.mu.Lock()
	self := m.selfPeerID
	m.mu.Unlock()

	m.signal.Send(context.Background(), signaling.OfferMsg{
		Type:         signaling.TypeWebRTCOffer,
		TargetPeerID: conn.PeerID,
		FromPeerID:   self,
		Offer:        signaling.SDP{Type: "offer", SDP: offer.SDP},
	})
	return nil
}

// handleOffer implements the incoming-offer path (§4.4): create a
// connection opportunistically if none exists, apply the remote
// description, answer, and forward the answer via signaling.
func (m *Manager) handleOffer(msg signaling.OfferMsg) {
	conn := m.getOrCreateConnection(msg.FromPeerID, connstring.RoleReader)

	pc, err := m.newPeerConnection()
	if err != nil {
		obslog.Warn("rtc: new peer connection for offer failed", "peer", msg.FromPeerID, "error", err)
		return
	}

	conn.mu.Lock()
	conn.pc = pc
	conn.state = StateNegotiating
	conn.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn.mu.Lock()
		conn.dc = dc
		conn.mu.Unlock()
		m.wireDataChannel(conn, dc)
	})
	m.wireConnectionState(conn, pc)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Offer.SDP}); err != nil {
		obslog.Warn("rtc: set remote description failed", "peer", msg.FromPeerID, "error", err)
		pc.Close()
		return
	}
	m.flushPendingCandidates(conn, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		obslog.Warn("rtc: create answer failed", "peer", msg.FromPeerID, "error", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		obslog.Warn("rtc: set local description failed", "peer", msg.FromPeerID, "error", err)
		return
	}

	m.mu.Lock()
	self := m.selfPeerID
	m.mu.Unlock()

	m.signal.Send(context.Background(), signaling.AnswerMsg{
		Type:         signaling.TypeWebRTCAnswer,
		TargetPeerID: msg.FromPeerID,
		FromPeerID:   self,
		Answer:       signaling.SDP{Type: "answer", SDP: answer.SDP},
	})
}

func (m *Manager) handleAnswer(msg signaling.AnswerMsg) {
	m.mu.Lock()
	conn, ok := m.conns[msg.FromPeerID]
	m.mu.Unlock()
	if !ok {
		obslog.Warn("rtc: answer for unknown peer", "peer", msg.FromPeerID)
		return
	}

	conn.mu.Lock()
	pc := conn.pc
	conn.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Answer.SDP}); err != nil {
		obslog.Warn("rtc: apply answer failed", "peer", msg.FromPeerID, "error", err)
		return
	}
	m.flushPendingCandidates(conn, pc)
}

// handleICE applies a remote ICE candidate if the connection's remote
// description is already set, or queues it for flushPendingCandidates
// otherwise. A connection is created opportunistically if none exists yet,
// so a candidate that outraces both the offer/answer message and the
// connection's own creation is still queued instead of dropped.
func (m *Manager) handleICE(msg signaling.ICEMsg) {
	conn := m.getOrCreateConnection(msg.FromPeerID, connstring.RoleReader)

	idx := msg.Candidate.SDPMLineIndex
	cand := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate.Candidate,
		SDPMid:        &msg.Candidate.SDPMid,
		SDPMLineIndex: &idx,
	}

	conn.mu.Lock()
	pc := conn.pc
	ready := conn.remoteDescSet
	if !ready {
		conn.pendingCandidates = append(conn.pendingCandidates, cand)
	}
	conn.mu.Unlock()

	if !ready || pc == nil {
		return
	}
	if err := pc.AddICECandidate(cand); err != nil {
		obslog.Warn("rtc: add ICE candidate failed", "peer", msg.FromPeerID, "error", err)
	}
}

// flushPendingCandidates marks the connection's remote description as set
// and applies every candidate that arrived before it did.
func (m *Manager) flushPendingCandidates(conn *Connection, pc *webrtc.PeerConnection) {
	conn.mu.Lock()
	conn.remoteDescSet = true
	pending := conn.pendingCandidates
	conn.pendingCandidates = nil
	conn.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			obslog.Warn("rtc: add queued ICE candidate failed", "peer", conn.PeerID, "error", err)
		}
	}
}

func (m *Manager) wireDataChannel(conn *Connection, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		conn.mu.Lock()
		conn.state = StateOpen
		conn.mu.Unlock()
		if m.OnOpen != nil {
			m.OnOpen(conn.PeerID)
		}
	})
	dc.OnClose(func() {
		m.teardown(conn.PeerID)
	})
	if m.OnMessage != nil {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.OnMessage(conn.PeerID, msg.Data)
		})
	}
}

func (m *Manager) wireConnectionState(conn *Connection, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		self := m.selfPeerID
		m.mu.Unlock()
		js := c.ToJSON()
		idx := uint16(0)
		if js.SDPMLineIndex != nil {
			idx = *js.SDPMLineIndex
		}
		mid := ""
		if js.SDPMid != nil {
			mid = *js.SDPMid
		}
		m.signal.Send(context.Background(), signaling.ICEMsg{
			Type:         signaling.TypeWebRTCICE,
			TargetPeerID: conn.PeerID,
			FromPeerID:   self,
			Candidate:    signaling.ICECandidate{Candidate: js.Candidate, SDPMLineIndex: idx, SDPMid: mid},
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			conn.mu.Lock()
			if conn.state != StateOpen {
				conn.state = StateOpen
			}
			conn.mu.Unlock()
		}
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.teardown(conn.PeerID)
		}
	})
}

// teardown closes the channel and peer connection (best effort), removes
// the connection from the Manager's connection set, and fires OnClosed.
func (m *Manager) teardown(peerID string) {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	if ok {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	dc, pc := conn.dc, conn.pc
	alreadyClosed := conn.state == StateClosed
	conn.state = StateClosed
	conn.mu.Unlock()

	if alreadyClosed {
		return
	}

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	if m.OnClosed != nil {
		m.OnClosed(peerID)
	}
}

// startStaleSweep runs the 5s safety-net sweep described in §4.4: any
// connection whose underlying peer-connection state is closed/failed is
// torn down, even if peer_disconnected never arrived. A connection that has
// no peer connection yet is skipped.
func (m *Manager) startStaleSweep() {
	var tick func()
	tick = func() {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		snapshot := make([]*Connection, 0, len(m.conns))
		for _, c := range m.conns {
			snapshot = append(snapshot, c)
		}
		m.mu.Unlock()

		for _, c := range snapshot {
			c.mu.Lock()
			pc := c.pc
			c.mu.Unlock()
			if pc == nil {
				continue
			}
			state := pc.ConnectionState()
			if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
				m.teardown(c.PeerID)
			}
		}

		m.mu.Lock()
		if !m.stopped {
			m.sweepTimer = time.AfterFunc(staleSweepPeriod, tick)
		}
		m.mu.Unlock()
	}
	m.sweepTimer = time.AfterFunc(staleSweepPeriod, tick)
}

// Connections returns a snapshot of all currently tracked connections.
func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Close stops the stale-sweep timer and tears down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopped = true
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id)
	}
}
