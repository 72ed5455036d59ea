package punch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarshalUnmarshal_AllVariants tests each wire variant survives a
// round trip.
func TestMarshalUnmarshal_AllVariants(t *testing.T) {
	messages := []Message{
		PunchRequest{Token: "tok-abc", SessionID: "sess-1"},
		PunchAck{SessionID: "sess-1"},
		PunchSuccess{SessionID: "sess-1"},
		KeepAlive{},
		NatProbe{Sequence: 0xdeadbeef},
	}

	for _, msg := range messages {
		data, err := Marshal(msg)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data), MaxDatagramSize)
		assert.Equal(t, byte(ProtocolVersion), data[0])

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}
}

// TestMarshal_Oversized tests that a message exceeding one datagram is
// rejected.
func TestMarshal_Oversized(t *testing.T) {
	_, err := Marshal(PunchRequest{Token: strings.Repeat("x", MaxDatagramSize), SessionID: "s"})
	assert.ErrorIs(t, err, ErrOversized)
}

// TestUnmarshal_BadVersion tests the version gate.
func TestUnmarshal_BadVersion(t *testing.T) {
	data, err := Marshal(KeepAlive{})
	require.NoError(t, err)
	data[0] = 99

	_, err = Unmarshal(data)
	assert.ErrorIs(t, err, ErrBadVersion)
}

// TestUnmarshal_UnknownType tests that an unrecognized type byte is
// reported, not fatal.
func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal([]byte{ProtocolVersion, 0x7f})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

// TestUnmarshal_Truncated tests the truncation paths.
func TestUnmarshal_Truncated(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Unmarshal([]byte{ProtocolVersion})
	assert.ErrorIs(t, err, ErrTruncated)

	// PunchAck whose declared string length exceeds the payload.
	_, err = Unmarshal([]byte{ProtocolVersion, byte(typePunchAck), 0x00, 0x10, 'a'})
	assert.ErrorIs(t, err, ErrTruncated)

	// NatProbe with a short sequence field.
	_, err = Unmarshal([]byte{ProtocolVersion, byte(typeNatProbe), 0x01})
	assert.ErrorIs(t, err, ErrTruncated)
}

// TestUnmarshal_EmptyStrings tests that zero-length identifiers are
// representable.
func TestUnmarshal_EmptyStrings(t *testing.T) {
	data, err := Marshal(PunchAck{})
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, PunchAck{}, decoded)
}
