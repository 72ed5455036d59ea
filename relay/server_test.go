package relay

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionLifecycle tests registration, duplicate rejection, and
// teardown of relay sessions.
func TestSessionLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 0)

	require.NoError(t, s.CreateSession("sess-1", "peer-a", "peer-b"))
	assert.Error(t, s.CreateSession("sess-1", "peer-x", "peer-y"))

	sess, ok := s.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, "peer-a", sess.PeerAID)
	assert.Equal(t, "peer-b", sess.PeerBID)

	require.NoError(t, s.CloseSession("sess-1"))
	_, ok = s.Session("sess-1")
	assert.False(t, ok)
	assert.ErrorIs(t, s.CloseSession("sess-1"), ErrSessionNotFound)
}

// TestSessionChannels tests the outbound/counterpart channel wiring.
func TestSessionChannels(t *testing.T) {
	sess := newRelaySession("sess-1", "peer-a", "peer-b", NewBandwidthAccount("sess-1"))

	toB, err := sess.counterpart("peer-a")
	require.NoError(t, err)
	fromB, err := sess.outbound("peer-b")
	require.NoError(t, err)
	assert.Equal(t, toB, fromB)

	_, err = sess.outbound("stranger")
	assert.Error(t, err)
	_, err = sess.counterpart("stranger")
	assert.Error(t, err)
}

// TestCheckBandwidthLimit tests metering against the per-session cap.
func TestCheckBandwidthLimit(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 1000)

	// A fresh account starts under the cap.
	assert.True(t, s.CheckBandwidthLimit("sess-1", 100))

	// Pushing the rolling rate over the cap trips the limit.
	assert.False(t, s.CheckBandwidthLimit("sess-1", 5000))

	// Enough elapsed time brings the rate back under.
	s.mu.Lock()
	s.accounts["sess-1"].startTime = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	assert.True(t, s.CheckBandwidthLimit("sess-1", 100))
}

// TestCheckBandwidthLimit_Unlimited tests the disabled cap.
func TestCheckBandwidthLimit_Unlimited(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 0)
	assert.True(t, s.CheckBandwidthLimit("sess-1", MaxFrameSize))
	assert.True(t, s.CheckBandwidthLimit("sess-1", MaxFrameSize))
}

// TestCloseSession_ResetsAccounting tests that a stale session id
// never inherits the old session's counters.
func TestCloseSession_ResetsAccounting(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 1000)
	require.NoError(t, s.CreateSession("sess-1", "peer-a", "peer-b"))

	assert.False(t, s.CheckBandwidthLimit("sess-1", 100000))
	require.NoError(t, s.CloseSession("sess-1"))

	// Same id after close starts from a zeroed account.
	assert.True(t, s.CheckBandwidthLimit("sess-1", 100))
}

// TestEvictIdle tests that stale accounts are dropped while active
// ones survive.
func TestEvictIdle(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 0)
	s.CheckBandwidthLimit("stale", 10)
	s.CheckBandwidthLimit("active", 10)

	s.mu.Lock()
	s.accounts["stale"].lastActivity = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	s.evictIdle()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.NotContains(t, s.accounts, "stale")
	assert.Contains(t, s.accounts, "active")
}

// TestEvictIdle_KeepsLiveSessionAccount tests that a registered
// session's account survives idle eviction, so its accounting is never
// split across two accounts, and is released with CloseSession.
func TestEvictIdle_KeepsLiveSessionAccount(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, 0)
	require.NoError(t, s.CreateSession("sess-1", "peer-a", "peer-b"))
	s.CheckBandwidthLimit("sess-1", 10)

	s.mu.Lock()
	s.accounts["sess-1"].lastActivity = time.Now().Add(-10 * time.Minute)
	s.mu.Unlock()

	s.evictIdle()

	s.mu.RLock()
	account, ok := s.accounts["sess-1"]
	s.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, uint64(10), account.TotalBytes())

	require.NoError(t, s.CloseSession("sess-1"))
	s.evictIdle()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.NotContains(t, s.accounts, "sess-1")
}

func dialRelay(ctx context.Context, t *testing.T, addr string) quic.Connection {
	t.Helper()
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseWithError(0, "test done") })
	return conn
}

// TestRelay_ForwardsFrames tests the full QUIC path: two peers attach
// to one session and frames cross between their streams.
func TestRelay_ForwardsFrames(t *testing.T) {
	tlsConf, err := LoadTLSConfig("", "")
	require.NoError(t, err)

	s := NewServer("127.0.0.1:0", tlsConf, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	addr := s.Addr().String()

	require.NoError(t, s.CreateSession("sess-1", "peer-a", "peer-b"))

	connA := dialRelay(ctx, t, addr)
	streamA, err := connA.OpenStreamSync(ctx)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(streamA, Handshake{SessionID: "sess-1", PeerID: "peer-a"}.Encode()))

	connB := dialRelay(ctx, t, addr)
	streamB, err := connB.OpenStreamSync(ctx)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(streamB, Handshake{SessionID: "sess-1", PeerID: "peer-b"}.Encode()))

	payload := []byte("end-to-end encrypted payload")
	require.NoError(t, WriteFrame(streamA, payload))

	require.NoError(t, streamB.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err := ReadFrame(streamB)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// And back the other way.
	reply := []byte("reply")
	require.NoError(t, WriteFrame(streamB, reply))
	require.NoError(t, streamA.SetReadDeadline(time.Now().Add(3*time.Second)))
	got, err = ReadFrame(streamA)
	require.NoError(t, err)
	assert.Equal(t, reply, got)

	sess, ok := s.Session("sess-1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, sess.Bandwidth.BytesSent(), uint64(len(payload)+len(reply)))
}

// TestRelay_RejectsUnknownSession tests that a stream naming an
// unregistered session is closed without forwarding.
func TestRelay_RejectsUnknownSession(t *testing.T) {
	tlsConf, err := LoadTLSConfig("", "")
	require.NoError(t, err)

	s := NewServer("127.0.0.1:0", tlsConf, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	conn := dialRelay(ctx, t, s.Addr().String())
	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(stream, Handshake{SessionID: "ghost", PeerID: "peer-a"}.Encode()))

	// The server closes its side; the read eventually fails rather
	// than delivering a frame.
	require.NoError(t, stream.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = ReadFrame(stream)
	assert.Error(t, err)
}
