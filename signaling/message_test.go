package signaling

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlace/traverse/nat"
)

// TestCandidate_Conversion tests the wire/model candidate round trip.
func TestCandidate_Conversion(t *testing.T) {
	model := nat.Candidate{
		Addr:     &net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 4000},
		Proto:    "udp",
		Priority: 120,
		Type:     nat.CandidateServerReflexive,
	}

	wire := FromNAT(model)
	assert.Equal(t, "203.0.113.5", wire.IP)
	assert.Equal(t, uint16(4000), wire.Port)
	assert.Equal(t, "srflx", wire.CandidateType)
	assert.Equal(t, "203.0.113.5:4000", wire.Addr())

	back, err := wire.ToNAT()
	require.NoError(t, err)
	assert.True(t, back.Addr.IP.Equal(model.Addr.IP))
	assert.Equal(t, model.Addr.Port, back.Addr.Port)
	assert.Equal(t, model.Priority, back.Priority)
	assert.Equal(t, model.Type, back.Type)
}

// TestCandidate_ToNATInvalid tests invalid wire candidates.
func TestCandidate_ToNATInvalid(t *testing.T) {
	_, err := Candidate{IP: "not-an-ip", Proto: "udp", CandidateType: "host"}.ToNAT()
	assert.Error(t, err)

	_, err = Candidate{IP: "192.0.2.1", Proto: "udp", CandidateType: "prflx"}.ToNAT()
	assert.Error(t, err)
}

// TestMessage_JSONShape tests the field names clients depend on.
func TestMessage_JSONShape(t *testing.T) {
	msg := Message{
		Type:      TypePunchCoord,
		SessionID: "sess-1",
		PeerID:    "peer-b",
		Token:     "tok",
		StartTS:   100,
		Expires:   130,
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "punch_coord", m["type"])
	assert.Equal(t, "sess-1", m["session_id"])
	assert.Equal(t, "peer-b", m["peer_id"])
	assert.Equal(t, "tok", m["token"])
	assert.Equal(t, float64(100), m["start_ts"])
	assert.Equal(t, float64(130), m["expires"])
	assert.NotContains(t, m, "candidates")
	assert.NotContains(t, m, "sdp")

	// Error messages surface under "message".
	data, err = json.Marshal(Message{Type: TypeError, Error: "boom"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "boom", m["message"])
}
