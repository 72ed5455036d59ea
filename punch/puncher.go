// Package punch implements coordinated UDP hole punching.
//
// This file implements the punch state machine and the responder loop.
// Both halves share one bound socket: a peer punches out with
// PunchHole while Serve answers the peer's own inbound requests, which
// is what keeps the NAT mapping symmetric on both sides of a
// coordinated punch.
package punch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshlace/traverse/auth"
	"github.com/meshlace/traverse/metrics"
	"github.com/meshlace/traverse/nat"
)

const (
	initialRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	maxJitter         = 100 * time.Millisecond

	// DefaultMaxAttempts caps the number of punch retries.
	DefaultMaxAttempts = 10
	// DefaultCoordinationTimeout bounds each acknowledgment wait.
	DefaultCoordinationTimeout = 10 * time.Second
)

// ErrExhausted indicates the punch gave up after the full attempt
// budget.
var ErrExhausted = errors.New("punch: attempts exhausted")

// State tracks one punch attempt through its lifecycle.
type State uint8

const (
	// StateIdle means the attempt has not started.
	StateIdle State = iota
	// StateSending means a PunchRequest is being sent.
	StateSending
	// StateAwaitingAck means the puncher is waiting for PunchAck.
	StateAwaitingAck
	// StateRetrying means the last attempt failed and backoff is running.
	StateRetrying
	// StateSuccess means an acknowledgment arrived.
	StateSuccess
	// StateExhausted means the attempt budget ran out.
	StateExhausted
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateExhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// Session is one in-flight punch attempt. It exists only for the
// lifetime of the attempt and is never persisted.
type Session struct {
	SessionID string
	PeerAddr  *net.UDPAddr
	StartedAt time.Time
	NATType   nat.NATType

	state atomic.Uint32

	// ack receives at most one signal when the peer acknowledges this
	// session, routed by whichever goroutine read the datagram.
	ack chan struct{}
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(uint32(st)) }

// Stats aggregates punch outcomes across the puncher's lifetime.
type Stats struct {
	TotalAttempts uint64
	Successes     uint64
	Failures      uint64
}

// Puncher executes the hole punch protocol over one bound UDP socket.
type Puncher struct {
	conn         *net.UDPConn
	issuer       *auth.Issuer
	coordTimeout time.Duration
	maxAttempts  int

	mu      sync.RWMutex
	active  map[string]*Session
	serving atomic.Bool

	totalAttempts atomic.Uint64
	successes     atomic.Uint64
	failures      atomic.Uint64
}

// NewPuncher creates a puncher over an already bound socket. The
// issuer validates inbound punch tokens and must share its secret with
// the rendezvous coordinator.
func NewPuncher(conn *net.UDPConn, issuer *auth.Issuer) *Puncher {
	return &Puncher{
		conn:         conn,
		issuer:       issuer,
		coordTimeout: DefaultCoordinationTimeout,
		maxAttempts:  DefaultMaxAttempts,
		active:       make(map[string]*Session),
	}
}

// SetCoordinationTimeout overrides the per-attempt acknowledgment wait.
func (p *Puncher) SetCoordinationTimeout(d time.Duration) {
	if d > 0 {
		p.coordTimeout = d
	}
}

// SetMaxAttempts overrides the punch attempt budget.
func (p *Puncher) SetMaxAttempts(n int) {
	if n > 0 {
		p.maxAttempts = n
	}
}

// LocalAddr returns the bound socket address.
func (p *Puncher) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Stats returns a snapshot of the punch counters.
func (p *Puncher) Stats() Stats {
	return Stats{
		TotalAttempts: p.totalAttempts.Load(),
		Successes:     p.successes.Load(),
		Failures:      p.failures.Load(),
	}
}

// ActiveSessions returns the punch sessions currently in flight.
func (p *Puncher) ActiveSessions() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.active))
	for _, s := range p.active {
		out = append(out, s)
	}
	return out
}

// PunchHole punches toward peerAddr using a coordinator-issued token.
// It retries with exponential backoff starting at 100ms, doubling and
// capping at 5s, for at most the configured attempt budget; a random
// jitter is added before each retry when the local NAT is symmetric so
// both peers' backoff clocks drift apart. Exhaustion is returned as
// ErrExhausted.
func (p *Puncher) PunchHole(ctx context.Context, peerAddr *net.UDPAddr, token string, natType nat.NATType) (*Session, error) {
	if peerAddr == nil {
		return nil, errors.New("punch: peer address is nil")
	}

	sess := &Session{
		SessionID: uuid.NewString(),
		PeerAddr:  peerAddr,
		StartedAt: time.Now(),
		NATType:   natType,
		ack:       make(chan struct{}, 1),
	}
	p.mu.Lock()
	p.active[sess.SessionID] = sess
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, sess.SessionID)
		p.mu.Unlock()
	}()

	p.totalAttempts.Add(1)
	metrics.HolePunchAttempts.WithLabelValues(natType.String()).Inc()
	logrus.WithFields(logrus.Fields{
		"session_id": sess.SessionID,
		"peer":       peerAddr.String(),
		"nat_type":   natType.String(),
	}).Info("Starting hole punch")

	err := p.punchWithRetry(ctx, sess, token)
	duration := time.Since(sess.StartedAt)

	if err != nil {
		p.failures.Add(1)
		logrus.WithFields(logrus.Fields{
			"session_id":  sess.SessionID,
			"peer":        peerAddr.String(),
			"nat_type":    natType.String(),
			"duration_ms": duration.Milliseconds(),
			"error":       err,
		}).Warn("Hole punch failed")
		return sess, err
	}

	p.successes.Add(1)
	metrics.HolePunchSuccess.WithLabelValues(natType.String()).Inc()
	metrics.HolePunchDuration.WithLabelValues(natType.String()).Observe(duration.Seconds())
	logrus.WithFields(logrus.Fields{
		"session_id":  sess.SessionID,
		"peer":        peerAddr.String(),
		"duration_ms": duration.Milliseconds(),
	}).Info("Hole punch succeeded")
	return sess, nil
}

func (p *Puncher) punchWithRetry(ctx context.Context, sess *Session, token string) error {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			sess.setState(StateExhausted)
			return err
		}

		sess.setState(StateSending)
		if err := p.sendRequest(sess, token); err != nil {
			logrus.WithFields(logrus.Fields{
				"session_id": sess.SessionID,
				"attempt":    attempt,
				"error":      err,
			}).Debug("Punch request send failed")
		} else {
			sess.setState(StateAwaitingAck)
			if p.waitForAck(ctx, sess) {
				sess.setState(StateSuccess)
				p.sendSuccess(sess)
				return nil
			}
		}

		if attempt == p.maxAttempts {
			break
		}

		sess.setState(StateRetrying)
		delay := backoffDelay(attempt)
		if sess.NATType == nat.NATSymmetric {
			delay += time.Duration(rand.Int63n(int64(maxJitter)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			sess.setState(StateExhausted)
			return ctx.Err()
		}
	}

	sess.setState(StateExhausted)
	return fmt.Errorf("%w after %d attempts", ErrExhausted, p.maxAttempts)
}

// backoffDelay returns the delay before the retry following attempt k:
// min(100ms * 2^(k-1), 5s).
func backoffDelay(attempt int) time.Duration {
	delay := initialRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (p *Puncher) sendRequest(sess *Session, token string) error {
	data, err := Marshal(PunchRequest{Token: token, SessionID: sess.SessionID})
	if err != nil {
		return err
	}
	if _, err := p.conn.WriteToUDP(data, sess.PeerAddr); err != nil {
		return fmt.Errorf("send punch request: %w", err)
	}
	return nil
}

func (p *Puncher) sendSuccess(sess *Session) {
	data, err := Marshal(PunchSuccess{SessionID: sess.SessionID})
	if err != nil {
		return
	}
	if _, err := p.conn.WriteToUDP(data, sess.PeerAddr); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.SessionID,
			"error":      err,
		}).Debug("Punch success confirmation send failed")
	}
}

// waitForAck blocks until a matching PunchAck arrives from the peer or
// the coordination timeout expires. While Serve runs it owns the
// socket, so the wait happens purely on the session's ack channel;
// otherwise this goroutine reads the socket itself and routes any
// acks that belong to other in-flight sessions.
func (p *Puncher) waitForAck(ctx context.Context, sess *Session) bool {
	deadline := time.Now().Add(p.coordTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if p.serving.Load() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-sess.ack:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return false
	}
	defer p.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-sess.ack:
			return true
		default:
		}

		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return false
		}

		msg, err := Unmarshal(buf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"from":  from.String(),
				"error": err,
			}).Debug("Ignoring undecodable datagram while awaiting ack")
			continue
		}

		switch m := msg.(type) {
		case PunchAck:
			if m.SessionID == sess.SessionID {
				return true
			}
			p.routeAck(m.SessionID)
		case PunchRequest:
			// The peer punching toward us at the same time keeps both
			// mappings open, so acknowledge even mid-wait.
			if from.IP.Equal(sess.PeerAddr.IP) && from.Port == sess.PeerAddr.Port {
				p.handleRequest(m, from)
			}
		}
	}
}

// routeAck delivers an acknowledgment to the in-flight session it
// names. Acks for finished or unknown sessions are dropped.
func (p *Puncher) routeAck(sessionID string) {
	p.mu.RLock()
	sess, ok := p.active[sessionID]
	p.mu.RUnlock()
	if !ok {
		logrus.WithField("session_id", sessionID).Debug("Ack for unknown punch session")
		return
	}
	select {
	case sess.ack <- struct{}{}:
	default:
	}
}

// Serve answers inbound punch traffic until the context is cancelled.
// Per-message failures are logged and never stop the loop. While Serve
// runs it is the socket's only reader and routes acknowledgments to
// concurrent PunchHole calls through the active session registry.
func (p *Puncher) Serve(ctx context.Context) error {
	logrus.WithField("local", p.LocalAddr().String()).Info("Punch responder started")
	p.serving.Store(true)
	defer p.serving.Store(false)
	buf := make([]byte, MaxDatagramSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive punch datagram: %w", err)
		}

		data := append([]byte(nil), buf[:n]...)
		p.handleMessage(data, from)
	}
}

// handleMessage dispatches one inbound datagram. Unknown variants are
// logged and ignored, never fatal.
func (p *Puncher) handleMessage(data []byte, from *net.UDPAddr) {
	msg, err := Unmarshal(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"from":  from.String(),
			"error": err,
		}).Debug("Ignoring undecodable punch datagram")
		return
	}

	switch m := msg.(type) {
	case PunchRequest:
		p.handleRequest(m, from)
	case NatProbe:
		// Echo verbatim for external-address discovery.
		if _, err := p.conn.WriteToUDP(data, from); err != nil {
			logrus.WithFields(logrus.Fields{
				"from":  from.String(),
				"error": err,
			}).Debug("NAT probe echo failed")
		}
	case PunchSuccess:
		logrus.WithFields(logrus.Fields{
			"session_id": m.SessionID,
			"from":       from.String(),
		}).Debug("Peer confirmed punch")
	case KeepAlive:
		logrus.WithField("from", from.String()).Debug("Keep-alive received")
	case PunchAck:
		p.routeAck(m.SessionID)
	}
}

func (p *Puncher) handleRequest(req PunchRequest, from *net.UDPAddr) {
	claims, err := p.issuer.Verify(req.Token, time.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"from":       from.String(),
			"session_id": req.SessionID,
			"error":      err,
		}).Warn("Rejecting punch request with invalid token")
		return
	}

	data, err := Marshal(PunchAck{SessionID: req.SessionID})
	if err != nil {
		return
	}
	if _, err := p.conn.WriteToUDP(data, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"from":  from.String(),
			"error": err,
		}).Debug("Punch ack send failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"from":       from.String(),
		"session_id": req.SessionID,
		"peer_id":    claims.PeerID,
	}).Debug("Acknowledged punch request")
}

// Close releases the underlying socket.
func (p *Puncher) Close() error {
	return p.conn.Close()
}
