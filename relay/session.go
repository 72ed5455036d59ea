// Package relay implements the QUIC fallback data plane.
//
// This file holds the relay session registry and the connection pool.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// sessionChannelDepth buffers frames between the reader of one peer's
// stream and the writer of the other's.
const sessionChannelDepth = 64

// ErrSessionNotFound indicates a stream handshake named an unknown
// relay session.
var ErrSessionNotFound = errors.New("relay: session not found")

// Session forwards frames between exactly two peers. Each peer owns
// one outbound channel, drained by the writer half of that peer's
// stream.
type Session struct {
	SessionID string
	PeerAID   string
	PeerBID   string
	Bandwidth *BandwidthAccount
	CreatedAt time.Time

	outA chan []byte
	outB chan []byte
}

func newRelaySession(sessionID, peerA, peerB string, account *BandwidthAccount) *Session {
	return &Session{
		SessionID: sessionID,
		PeerAID:   peerA,
		PeerBID:   peerB,
		Bandwidth: account,
		CreatedAt: time.Now(),
		outA:      make(chan []byte, sessionChannelDepth),
		outB:      make(chan []byte, sessionChannelDepth),
	}
}

// outbound returns the channel drained by peerID's stream writer.
func (s *Session) outbound(peerID string) (chan []byte, error) {
	switch peerID {
	case s.PeerAID:
		return s.outA, nil
	case s.PeerBID:
		return s.outB, nil
	}
	return nil, fmt.Errorf("relay: peer %s not in session %s", peerID, s.SessionID)
}

// counterpart returns the channel feeding the other peer.
func (s *Session) counterpart(peerID string) (chan []byte, error) {
	switch peerID {
	case s.PeerAID:
		return s.outB, nil
	case s.PeerBID:
		return s.outA, nil
	}
	return nil, fmt.Errorf("relay: peer %s not in session %s", peerID, s.SessionID)
}

// pooledConnection tracks a QUIC connection for reuse across streams
// of the same peer.
type pooledConnection struct {
	conn      quic.Connection
	peerID    string
	sessionID string
	createdAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

func newPooledConnection(conn quic.Connection, sessionID, peerID string) *pooledConnection {
	now := time.Now()
	return &pooledConnection{
		conn:      conn,
		peerID:    peerID,
		sessionID: sessionID,
		createdAt: now,
		lastUsed:  now,
	}
}

func (p *pooledConnection) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *pooledConnection) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastUsed)
}
