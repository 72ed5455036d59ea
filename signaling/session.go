// Package signaling implements the rendezvous coordinator.
//
// This file holds the in-memory session and peer registry. Peers join
// and leave the same session concurrently, so the registry is guarded
// for per-key insert/remove without a coordinator-wide lock.
package signaling

import (
	"sync"
	"time"

	"github.com/meshlace/traverse/nat"
)

// Peer is one registered peer within a rendezvous session. The
// outbound channel is the only mutable, exclusively-owned field after
// creation: exactly one writer goroutine drains it.
type Peer struct {
	PeerID     string
	SessionID  string
	Out        chan<- Message
	Candidates []Candidate
	PubKey     []byte
	JoinedAt   time.Time
	NATType    *nat.NATType
}

// send enqueues a message without blocking the handler; a peer whose
// channel is full has a dead or drowning connection and the message is
// dropped rather than stalling the session.
func (p *Peer) send(msg Message) bool {
	select {
	case p.Out <- msg:
		return true
	default:
		return false
	}
}

// Session is a live rendezvous session. It exists from explicit
// creation until explicit close or TTL expiry with zero peers.
type Session struct {
	SessionID string
	HostID    string
	CreatedAt time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

func newSession(sessionID, hostID string) *Session {
	return &Session{
		SessionID: sessionID,
		HostID:    hostID,
		CreatedAt: time.Now(),
		peers:     make(map[string]*Peer),
	}
}

// addPeer registers a peer and returns the peers that were already
// present. Registration and the snapshot are atomic so two concurrent
// joins always see each other from exactly one side.
func (s *Session) addPeer(p *Peer) []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make([]*Peer, 0, len(s.peers))
	for _, other := range s.peers {
		existing = append(existing, other)
	}
	s.peers[p.PeerID] = p
	return existing
}

func (s *Session) removePeer(peerID string) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[peerID]
	delete(s.peers, peerID)
	return p
}

func (s *Session) getPeer(peerID string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[peerID]
	return p, ok
}

func (s *Session) listPeers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of registered peers.
func (s *Session) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Age returns how long the session has existed.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
