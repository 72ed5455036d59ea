package nat

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startReflector runs a minimal STUN server on loopback that answers
// every binding request with the given mapped address.
func startReflector(t *testing.T, mapped *net.UDPAddr) string {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
				continue
			}
			resp, err := stun.Build(
				&stun.Message{TransactionID: req.TransactionID},
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(resp.Raw, from)
		}
	}()

	return conn.LocalAddr().String()
}

// startSilentServer binds a socket that never answers, to exercise the
// probe timeout path.
func startSilentServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().String()
}

func clientSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestDetect_FullCone tests that a stable mapping across three servers
// classifies as full cone.
func TestDetect_FullCone(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4242}
	servers := []string{
		startReflector(t, mapped),
		startReflector(t, mapped),
		startReflector(t, mapped),
	}

	d := NewDetector(servers, time.Second)
	natType, err := d.Detect(context.Background(), clientSocket(t))
	require.NoError(t, err)
	assert.Equal(t, NATFullCone, natType)
}

// TestDetect_RestrictedCone tests that a stable mapping without a
// successful port-independence probe classifies as restricted cone.
func TestDetect_RestrictedCone(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4242}
	servers := []string{
		startReflector(t, mapped),
		startReflector(t, mapped),
	}

	d := NewDetector(servers, time.Second)
	natType, err := d.Detect(context.Background(), clientSocket(t))
	require.NoError(t, err)
	assert.Equal(t, NATRestrictedCone, natType)
}

// TestDetect_Symmetric tests that differing mappings from independent
// servers classify as symmetric.
func TestDetect_Symmetric(t *testing.T) {
	servers := []string{
		startReflector(t, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4242}),
		startReflector(t, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 4243}),
	}

	d := NewDetector(servers, time.Second)
	natType, err := d.Detect(context.Background(), clientSocket(t))
	require.NoError(t, err)
	assert.Equal(t, NATSymmetric, natType)
}

// TestDetect_ProbeTimeout tests that an unresponsive server surfaces
// as ErrProbeTimeout.
func TestDetect_ProbeTimeout(t *testing.T) {
	servers := []string{
		startSilentServer(t),
		startSilentServer(t),
	}

	d := NewDetector(servers, 200*time.Millisecond)
	_, err := d.Detect(context.Background(), clientSocket(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProbeTimeout))
}

// TestDetect_TooFewServers tests that detection refuses to run with a
// single server.
func TestDetect_TooFewServers(t *testing.T) {
	d := NewDetector([]string{"198.51.100.1:3478"}, time.Second)
	_, err := d.Detect(context.Background(), clientSocket(t))
	assert.Error(t, err)
}

// TestExternalAddress tests that the reflected mapping of the first
// server is returned.
func TestExternalAddress(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 77), Port: 5555}
	servers := []string{startReflector(t, mapped)}

	d := NewDetector(servers, time.Second)
	addr, err := d.ExternalAddress(context.Background(), clientSocket(t))
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(mapped.IP))
	assert.Equal(t, mapped.Port, addr.Port)
}
