// Package peers tracks the set of remote peers currently known to a
// Manager, as reported by signaling peer_list/peer_joined/peer_disconnected
// messages.
package peers

import (
	"sync"

	"github.com/puzed/openpull-node/internal/connstring"
)

// PeerInfo describes one remote peer in the session mesh.
type PeerInfo struct {
	PeerID string
	Role   connstring.Role
}

// Registry is a thread-safe map of peerId to PeerInfo.
type Registry struct {
	mu    sync.Mutex
	peers map[string]PeerInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]PeerInfo)}
}

// Put adds or replaces a peer.
func (r *Registry) Put(p PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.PeerID] = p
}

// Remove deletes a peer by id. No-op if absent.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Get returns the peer for id, if known.
func (r *Registry) Get(peerID string) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// List returns a snapshot of all known peers.
func (r *Registry) List() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Clear removes every peer, used during Manager.Disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]PeerInfo)
}
