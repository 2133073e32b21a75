package signaling

// Message types for the signaling WebSocket protocol. Wing → relay in the
// reference package becomes client → signaling here; the shape of the
// catalog is the same idea applied to peer discovery and SDP/ICE relay
// instead of PTY routing.
const (
	// Inbound (signaling → client)
	TypeAuthChallenge    = "auth_challenge"
	TypeAuthSuccess      = "auth_success"
	TypeError            = "error"
	TypePeerList         = "peer_list"
	TypePeerJoined       = "peer_joined"
	TypePeerDisconnected = "peer_disconnected"
	TypeWebRTCOffer      = "webrtc_offer"
	TypeWebRTCAnswer     = "webrtc_answer"
	TypeWebRTCICE        = "webrtc_ice_candidate"

	// Outbound (client → signaling)
	TypeAuth          = "auth"
	TypePeerDiscovery = "peer_discovery"
)

// Envelope wraps every message with a type field for routing, before the
// full shape is decoded.
type Envelope struct {
	Type string `json:"type"`
}

// AuthChallengeMsg is sent by signaling immediately after the socket opens.
type AuthChallengeMsg struct {
	Type      string `json:"type"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// AuthMsg is the client's response to AuthChallengeMsg. DefaultFields is an
// optional, session-scoped set of values sent to signaling with the auth
// message; this client does not add them to the LogEntry values it sends.
type AuthMsg struct {
	Type          string            `json:"type"`
	Role          string            `json:"role"`
	Proof         string            `json:"proof"`
	DefaultFields map[string]string `json:"defaultFields,omitempty"`
}

// AuthSuccessMsg confirms the handshake and assigns the client's peer id.
type AuthSuccessMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// ErrorMsg is sent by signaling on protocol or auth failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PeerDiscoveryMsg requests the current peer list after a successful auth.
type PeerDiscoveryMsg struct {
	Type string `json:"type"`
}

// PeerEntry is one peer in a PeerListMsg.
type PeerEntry struct {
	PeerID string `json:"peerId"`
	Role   string `json:"role"`
}

// PeerListMsg is a snapshot of every peer currently in the session.
type PeerListMsg struct {
	Type  string      `json:"type"`
	Peers []PeerEntry `json:"peers"`
}

// PeerJoinedMsg announces a single new peer.
type PeerJoinedMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Role   string `json:"role"`
}

// PeerDisconnectedMsg announces a peer leaving the session.
type PeerDisconnectedMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// SDP carries an SDP type/body pair for offer/answer tunneling.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OfferMsg tunnels a WebRTC offer between two peers via signaling.
type OfferMsg struct {
	Type         string `json:"type"`
	TargetPeerID string `json:"targetPeerId,omitempty"`
	FromPeerID   string `json:"fromPeerId,omitempty"`
	Offer        SDP    `json:"offer"`
}

// AnswerMsg tunnels a WebRTC answer between two peers via signaling.
type AnswerMsg struct {
	Type         string `json:"type"`
	TargetPeerID string `json:"targetPeerId,omitempty"`
	FromPeerID   string `json:"fromPeerId,omitempty"`
	Answer       SDP    `json:"answer"`
}

// ICECandidate is the JSON shape of a single ICE candidate.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// ICEMsg tunnels one ICE candidate between two peers via signaling.
type ICEMsg struct {
	Type         string       `json:"type"`
	TargetPeerID string       `json:"targetPeerId,omitempty"`
	FromPeerID   string       `json:"fromPeerId,omitempty"`
	Candidate    ICECandidate `json:"candidate"`
}
