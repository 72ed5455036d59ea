// Package signaling implements the rendezvous coordinator.
//
// This file implements session lifecycle and message handling. On a
// Join the coordinator performs three steps inside one handler
// invocation, in order: register the peer, deliver punch coordination,
// broadcast the joiner's candidate. That sequencing is the only
// ordering the protocol guarantees; everything else may arrive in any
// order and the hole puncher retries independently of signaling
// timing.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshlace/traverse/auth"
	"github.com/meshlace/traverse/metrics"
	"github.com/meshlace/traverse/nat"
	"github.com/meshlace/traverse/storage"
)

const sweepInterval = time.Minute

var (
	// ErrSessionNotFound indicates the named session does not exist.
	ErrSessionNotFound = errors.New("signaling: session not found")
	// ErrPeerNotFound indicates the named peer is not registered.
	ErrPeerNotFound = errors.New("signaling: peer not found")
)

// ConnState is the per-connection peer identity, filled in by the
// first successful Join and used to clean up on disconnect.
type ConnState struct {
	PeerID    string
	SessionID string
}

// RelayControl provisions relay sessions for peer pairs whose NAT
// combination makes a punch unlikely to succeed.
type RelayControl interface {
	CreateSession(sessionID, peerAID, peerBID string) error
	CloseSession(sessionID string) error
}

// Coordinator routes signaling messages and owns the session registry.
type Coordinator struct {
	issuer     *auth.Issuer
	store      storage.SessionStore
	sessionTTL time.Duration
	relay      RelayControl

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator. The issuer's TTL is the
// hole-punch timeout and becomes the expiry of every issued punch
// token. The store may be nil when persistence is not wired.
func NewCoordinator(issuer *auth.Issuer, store storage.SessionStore, sessionTTL time.Duration) *Coordinator {
	return &Coordinator{
		issuer:     issuer,
		store:      store,
		sessionTTL: sessionTTL,
		sessions:   make(map[string]*Session),
	}
}

// SetRelay attaches the relay data plane so the coordinator can
// provision relay sessions when peers cannot punch.
func (c *Coordinator) SetRelay(relay RelayControl) {
	c.relay = relay
}

// CreateSession registers a new rendezvous session.
func (c *Coordinator) CreateSession(sessionID, hostID string) error {
	sess := newSession(sessionID, hostID)

	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("signaling: session %s already exists", sessionID)
	}
	c.sessions[sessionID] = sess
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.CreateSession(context.Background(), storage.SessionRecord{
			SessionID: sessionID,
			HostID:    hostID,
			CreatedAt: sess.CreatedAt,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err,
			}).Error("Failed to persist session record")
		}
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"host_id":    hostID,
	}).Info("Created rendezvous session")
	metrics.SessionsActive.Inc()
	return nil
}

// CloseSession removes a session, notifying any lingering peers with
// an Error message first.
func (c *Coordinator) CloseSession(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	for _, peer := range sess.listPeers() {
		peer.send(Message{Type: TypeError, SessionID: sessionID, Error: "session closed"})
	}

	if c.relay != nil {
		if err := c.relay.CloseSession(sessionID); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err,
			}).Debug("No relay session to close")
		}
	}

	if c.store != nil {
		if err := c.store.CloseSession(context.Background(), sessionID, time.Now()); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err,
			}).Error("Failed to persist session close")
		}
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"peers":      sess.PeerCount(),
	}).Info("Closed rendezvous session")
	metrics.SessionsActive.Dec()
	return nil
}

// Session returns a live session by id.
func (c *Coordinator) Session(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[sessionID]
	return sess, ok
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// HandleMessage dispatches one inbound message from a connection.
// Lookup failures are returned to the caller, which relays them to the
// requesting peer as an Error message rather than closing its channel.
func (c *Coordinator) HandleMessage(msg Message, out chan<- Message, st *ConnState) error {
	metrics.SignalingMessages.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case TypeJoin:
		return c.handleJoin(msg, out, st)
	case TypeLeave:
		return c.handleLeave(msg.SessionID, msg.PeerID)
	case TypeCandidate:
		return c.handleCandidate(msg)
	case TypeOffer, TypeAnswer:
		return c.forwardToPeer(msg.SessionID, msg.ToPeerID, msg)
	case TypePing:
		select {
		case out <- Message{Type: TypePong}:
		default:
		}
		return nil
	default:
		logrus.WithField("type", string(msg.Type)).Warn("Unhandled signaling message type")
		return nil
	}
}

// HandleDisconnect removes the connection's peer, if it joined, and
// notifies the remaining peers.
func (c *Coordinator) HandleDisconnect(st *ConnState) {
	if st.PeerID == "" || st.SessionID == "" {
		return
	}
	logrus.WithFields(logrus.Fields{
		"session_id": st.SessionID,
		"peer_id":    st.PeerID,
	}).Info("Peer disconnected")
	if err := c.handleLeave(st.SessionID, st.PeerID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		logrus.WithFields(logrus.Fields{
			"session_id": st.SessionID,
			"peer_id":    st.PeerID,
			"error":      err,
		}).Error("Failed to handle peer disconnect")
	}
}

func (c *Coordinator) handleJoin(msg Message, out chan<- Message, st *ConnState) error {
	sess, ok := c.Session(msg.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}

	peer := &Peer{
		PeerID:     msg.PeerID,
		SessionID:  msg.SessionID,
		Out:        out,
		Candidates: msg.Candidates,
		PubKey:     msg.PubKey,
		JoinedAt:   time.Now(),
	}
	if msg.NATType != "" {
		if nt, err := nat.ParseNATType(msg.NATType); err == nil {
			peer.NATType = &nt
		}
	}

	existing := sess.addPeer(peer)
	st.PeerID = msg.PeerID
	st.SessionID = msg.SessionID

	logrus.WithFields(logrus.Fields{
		"session_id": msg.SessionID,
		"peer_id":    msg.PeerID,
		"candidates": len(msg.Candidates),
		"nat_type":   msg.NATType,
	}).Info("Peer joined session")

	// Punch coordination is symmetric: existing peers learn about the
	// joiner, and the joiner learns about each peer already present,
	// all before any later candidate exchange for this join.
	now := time.Now()
	if err := c.coordinatePunch(sess, peer, existing, now); err != nil {
		return err
	}

	c.provisionRelay(sess, peer, existing)
	c.broadcastFirstCandidate(sess, peer)
	return nil
}

// provisionRelay registers a relay session when the joiner and an
// existing peer sit behind NATs where a punch is unlikely to pay off.
// The peers still punch; the relay session is a fallback waiting for
// them if it fails.
func (c *Coordinator) provisionRelay(sess *Session, joiner *Peer, existing []*Peer) {
	if c.relay == nil || joiner.NATType == nil {
		return
	}
	for _, other := range existing {
		if other.NATType == nil || !nat.ShouldUseRelay(*joiner.NATType, *other.NATType) {
			continue
		}
		if err := c.relay.CreateSession(sess.SessionID, other.PeerID, joiner.PeerID); err != nil {
			// Already provisioned for an earlier pair in this session.
			logrus.WithFields(logrus.Fields{
				"session_id": sess.SessionID,
				"error":      err,
			}).Debug("Relay session not provisioned")
			return
		}
		logrus.WithFields(logrus.Fields{
			"session_id": sess.SessionID,
			"peer_a":     other.PeerID,
			"peer_b":     joiner.PeerID,
		}).Info("Provisioned relay fallback for hard NAT pair")
		return
	}
}

// coordinatePunch issues one token per punch target and delivers
// PunchCoord both ways.
func (c *Coordinator) coordinatePunch(sess *Session, joiner *Peer, existing []*Peer, now time.Time) error {
	joinerToken, err := c.issuer.Issue(sess.SessionID, joiner.PeerID, now)
	if err != nil {
		return fmt.Errorf("issue punch token: %w", err)
	}

	toOthers := Message{
		Type:       TypePunchCoord,
		SessionID:  sess.SessionID,
		PeerID:     joiner.PeerID,
		Token:      joinerToken.Value,
		StartTS:    joinerToken.IssuedAt.Unix(),
		Expires:    joinerToken.ExpiresAt.Unix(),
		Candidates: joiner.Candidates,
	}
	for _, other := range existing {
		if !other.send(toOthers) {
			logrus.WithFields(logrus.Fields{
				"session_id": sess.SessionID,
				"peer_id":    other.PeerID,
			}).Warn("Dropped punch coordination for unresponsive peer")
		}
	}

	for _, other := range existing {
		token, err := c.issuer.Issue(sess.SessionID, other.PeerID, now)
		if err != nil {
			return fmt.Errorf("issue punch token: %w", err)
		}
		joiner.send(Message{
			Type:       TypePunchCoord,
			SessionID:  sess.SessionID,
			PeerID:     other.PeerID,
			Token:      token.Value,
			StartTS:    token.IssuedAt.Unix(),
			Expires:    token.ExpiresAt.Unix(),
			Candidates: other.Candidates,
		})
	}

	metrics.SignalingMessages.WithLabelValues("punch_coord_out").Add(float64(2 * len(existing)))
	return nil
}

func (c *Coordinator) broadcastFirstCandidate(sess *Session, joiner *Peer) {
	if len(joiner.Candidates) == 0 {
		return
	}
	first := joiner.Candidates[0]
	msg := Message{
		Type:      TypeCandidate,
		SessionID: sess.SessionID,
		PeerID:    joiner.PeerID,
		Candidate: &first,
	}
	for _, peer := range sess.listPeers() {
		if peer.PeerID != joiner.PeerID {
			peer.send(msg)
		}
	}
}

func (c *Coordinator) handleLeave(sessionID, peerID string) error {
	sess, ok := c.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.removePeer(peerID) == nil {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"peer_id":    peerID,
	}).Info("Peer left session")

	notice := Message{Type: TypeLeave, SessionID: sessionID, PeerID: peerID}
	for _, peer := range sess.listPeers() {
		peer.send(notice)
	}
	return nil
}

func (c *Coordinator) handleCandidate(msg Message) error {
	sess, ok := c.Session(msg.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if msg.Candidate == nil {
		return errors.New("signaling: candidate message without candidate")
	}

	for _, peer := range sess.listPeers() {
		if peer.PeerID != msg.PeerID {
			peer.send(msg)
		}
	}
	return nil
}

func (c *Coordinator) forwardToPeer(sessionID, toPeerID string, msg Message) error {
	sess, ok := c.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	peer, ok := sess.getPeer(toPeerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, toPeerID)
	}
	if !peer.send(msg) {
		return fmt.Errorf("signaling: peer %s channel full", toPeerID)
	}
	metrics.SignalingMessages.WithLabelValues("forwarded").Inc()
	return nil
}

// Sweep closes sessions that are both older than the session TTL and
// empty. Sessions with at least one peer are never swept regardless of
// age. Returns the number of sessions closed.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.RLock()
	var stale []string
	for id, sess := range c.sessions {
		if sess.Age(now) > c.sessionTTL && sess.PeerCount() == 0 {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range stale {
		if err := c.CloseSession(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			logrus.WithFields(logrus.Fields{
				"session_id": id,
				"error":      err,
			}).Error("Failed to close stale session")
		}
	}

	if c.store != nil {
		if _, err := c.store.ExpireOldSessions(context.Background(), now.Add(-c.sessionTTL)); err != nil {
			logrus.WithField("error", err).Error("Failed to expire persisted sessions")
		}
	}
	return len(stale)
}

// RunSweeper runs the stale-session sweep every minute until the
// context is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(time.Now()); n > 0 {
				logrus.WithField("closed", n).Debug("Swept stale sessions")
			}
		case <-ctx.Done():
			return
		}
	}
}
