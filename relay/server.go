// Package relay implements the QUIC fallback data plane.
//
// This file implements the relay server: a QUIC endpoint accepting one
// bidirectional stream per peer per session, forwarding frames to the
// counterpart peer with bandwidth metering, plus the periodic
// bandwidth monitor and idle-eviction tasks.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/meshlace/traverse/metrics"
)

const (
	monitorInterval = 5 * time.Second
	cleanupInterval = time.Minute
	idleThreshold   = 5 * time.Minute
)

// Server is the QUIC relay server.
type Server struct {
	bind           string
	tlsConf        *tls.Config
	bandwidthLimit uint64

	listener *quic.Listener

	mu       sync.RWMutex
	sessions map[string]*Session
	accounts map[string]*BandwidthAccount
	pool     map[string]*pooledConnection
}

// NewServer creates a relay server. bandwidthLimit is the per-session
// cap in bytes per second; zero disables the cap.
func NewServer(bind string, tlsConf *tls.Config, bandwidthLimit uint64) *Server {
	return &Server{
		bind:           bind,
		tlsConf:        tlsConf,
		bandwidthLimit: bandwidthLimit,
		sessions:       make(map[string]*Session),
		accounts:       make(map[string]*BandwidthAccount),
		pool:           make(map[string]*pooledConnection),
	}
}

// Addr returns the bound endpoint address, once Run has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accepts relay connections until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := quic.ListenAddr(s.bind, s.tlsConf, &quic.Config{
		MaxIdleTimeout:        time.Minute,
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: 1000,
	})
	if err != nil {
		return fmt.Errorf("listen QUIC on %s: %w", s.bind, err)
	}
	s.listener = listener
	defer listener.Close()

	logrus.WithField("bind", listener.Addr().String()).Info("QUIC relay server listening")

	go s.runBandwidthMonitor(ctx)
	go s.runCleanup(ctx)

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept relay connection: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	logrus.WithField("remote", remote).Info("Relay connection opened")
	metrics.RelayConnectionsActive.Inc()
	defer func() {
		metrics.RelayConnectionsActive.Dec()
		logrus.WithField("remote", remote).Info("Relay connection closed")
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) || ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"remote": remote,
				"error":  err,
			}).Debug("Relay stream accept failed")
			return
		}
		go s.handleStream(ctx, conn, stream)
	}
}

// handleStream services one peer's stream for the lifetime of its
// relay attachment. Per-frame failures are isolated; only structural
// violations (oversized frame, broken handshake) end the stream.
func (s *Server) handleStream(ctx context.Context, conn quic.Connection, stream quic.Stream) {
	defer stream.Close()

	payload, err := ReadFrame(stream)
	if err != nil {
		logrus.WithField("error", err).Debug("Relay handshake read failed")
		return
	}
	hs, err := DecodeHandshake(payload)
	if err != nil {
		logrus.WithField("error", err).Warn("Rejecting stream with malformed handshake")
		return
	}

	s.mu.RLock()
	sess, ok := s.sessions[hs.SessionID]
	s.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"session_id": hs.SessionID,
			"peer_id":    hs.PeerID,
		}).Warn("Rejecting stream for unknown relay session")
		return
	}

	out, err := sess.outbound(hs.PeerID)
	if err != nil {
		logrus.WithField("error", err).Warn("Rejecting stream for unknown peer")
		return
	}
	fwd, _ := sess.counterpart(hs.PeerID)

	pooled := newPooledConnection(conn, hs.SessionID, hs.PeerID)
	s.mu.Lock()
	s.pool[hs.SessionID+"/"+hs.PeerID] = pooled
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": hs.SessionID,
		"peer_id":    hs.PeerID,
		"remote":     conn.RemoteAddr().String(),
	}).Info("Relay stream attached")

	done := make(chan struct{})
	defer close(done)

	// Writer half: drain the peer's outbound channel onto the stream.
	go func() {
		for {
			select {
			case frame := <-out:
				if err := WriteFrame(stream, frame); err != nil {
					logrus.WithFields(logrus.Fields{
						"session_id": hs.SessionID,
						"peer_id":    hs.PeerID,
						"error":      err,
					}).Debug("Relay frame write failed")
					return
				}
				sess.Bandwidth.AddSent(uint64(len(frame)))
				metrics.RelayBytes.WithLabelValues("tx").Add(float64(len(frame)))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader half: read, meter, forward.
	for {
		frame, err := ReadFrame(stream)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				logrus.WithFields(logrus.Fields{
					"session_id": hs.SessionID,
					"peer_id":    hs.PeerID,
				}).Warn("Oversized relay frame, closing stream")
			} else if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"session_id": hs.SessionID,
					"peer_id":    hs.PeerID,
					"error":      err,
				}).Debug("Relay frame read ended")
			}
			return
		}

		pooled.touch()

		if !s.CheckBandwidthLimit(hs.SessionID, uint64(len(frame))) {
			logrus.WithFields(logrus.Fields{
				"session_id": hs.SessionID,
				"peer_id":    hs.PeerID,
				"bytes":      len(frame),
			}).Warn("Bandwidth limit exceeded, dropping frame")
			continue
		}
		metrics.RelayBytes.WithLabelValues("rx").Add(float64(len(frame)))

		select {
		case fwd <- frame:
		default:
			logrus.WithFields(logrus.Fields{
				"session_id": hs.SessionID,
				"peer_id":    hs.PeerID,
			}).Warn("Counterpart backlogged, dropping frame")
		}
	}
}

// CheckBandwidthLimit records byteCount against the session's account
// and reports whether the rolling rate is still under the cap. An
// account is created on first use so traffic on a stale session id
// starts from a zeroed account.
func (s *Server) CheckBandwidthLimit(sessionID string, byteCount uint64) bool {
	s.mu.Lock()
	account, ok := s.accounts[sessionID]
	if !ok {
		account = NewBandwidthAccount(sessionID)
		s.accounts[sessionID] = account
	}
	s.mu.Unlock()

	account.AddReceived(byteCount)

	if s.bandwidthLimit == 0 {
		return true
	}
	current := account.CurrentBandwidth()
	metrics.RelayBandwidth.WithLabelValues(sessionID).Set(float64(current))
	return current <= s.bandwidthLimit
}

// CreateSession registers a relay session between two peers and its
// bandwidth account.
func (s *Server) CreateSession(sessionID, peerAID, peerBID string) error {
	account := NewBandwidthAccount(sessionID)
	sess := newRelaySession(sessionID, peerAID, peerBID, account)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; exists {
		return fmt.Errorf("relay: session %s already exists", sessionID)
	}
	s.sessions[sessionID] = sess
	s.accounts[sessionID] = account

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"peer_a":     peerAID,
		"peer_b":     peerBID,
	}).Info("Created relay session")
	return nil
}

// CloseSession tears down a relay session. The bandwidth account is
// removed with it, so a stale session id never reuses old counters.
func (s *Server) CloseSession(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	delete(s.accounts, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	metrics.RelayBandwidth.DeleteLabelValues(sessionID)
	logrus.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"duration_sec": int(time.Since(sess.CreatedAt).Seconds()),
		"total_bytes":  sess.Bandwidth.TotalBytes(),
	}).Info("Closed relay session")
	return nil
}

// Session returns a live relay session by id.
func (s *Server) Session(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// runBandwidthMonitor republishes per-session bandwidth metrics every
// five seconds.
func (s *Server) runBandwidthMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			for id, account := range s.accounts {
				bw := account.CurrentBandwidth()
				metrics.RelayBandwidth.WithLabelValues(id).Set(float64(bw))
				logrus.WithFields(logrus.Fields{
					"session_id":  id,
					"bandwidth":   bw,
					"total_bytes": account.TotalBytes(),
				}).Debug("Relay bandwidth sample")
			}
			s.mu.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}

// runCleanup evicts bandwidth accounts and pooled connections idle
// longer than five minutes.
func (s *Server) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, pooled := range s.pool {
		if pooled.idleFor() > idleThreshold {
			delete(s.pool, key)
			_ = pooled.conn.CloseWithError(0, "idle")
			logrus.WithField("connection", key).Debug("Evicted idle pooled connection")
		}
	}
	// An account belonging to a registered session lives until
	// CloseSession removes both together; evicting it early would
	// restart the session's accounting from a fresh account.
	for id, account := range s.accounts {
		if _, live := s.sessions[id]; live {
			continue
		}
		if account.IsIdle(idleThreshold) {
			delete(s.accounts, id)
			metrics.RelayBandwidth.DeleteLabelValues(id)
			logrus.WithField("session_id", id).Debug("Evicted idle bandwidth account")
		}
	}
}
