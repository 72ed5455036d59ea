// Package punch implements coordinated UDP hole punching. Two peers
// that have exchanged candidates and a punch-coordination token through
// the rendezvous coordinator run the punch protocol independently:
// each sends PunchRequest datagrams to the other's candidate address
// until an acknowledgment arrives or the attempt budget is exhausted.
//
// This file defines the single-datagram wire protocol. Every message
// is a versioned binary frame no larger than one UDP datagram; there
// is no outer length prefix. Unknown message types are reported as
// ErrUnknownMessage so receivers can log and ignore them without
// tearing anything down.
package punch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolVersion is the current punch wire protocol version.
const ProtocolVersion = 1

// MaxDatagramSize bounds every punch message to a single unfragmented
// UDP datagram.
const MaxDatagramSize = 1400

var (
	// ErrUnknownMessage indicates an unrecognized message type byte.
	ErrUnknownMessage = errors.New("punch: unknown message type")
	// ErrBadVersion indicates an unsupported protocol version.
	ErrBadVersion = errors.New("punch: unsupported protocol version")
	// ErrTruncated indicates a message shorter than its framing claims.
	ErrTruncated = errors.New("punch: truncated message")
	// ErrOversized indicates a message larger than one datagram.
	ErrOversized = errors.New("punch: message exceeds datagram size")
)

// messageType tags the punch message variants on the wire.
type messageType uint8

const (
	typePunchRequest messageType = iota + 1
	typePunchAck
	typePunchSuccess
	typeKeepAlive
	typeNatProbe
)

// Message is one punch protocol message. The set is closed: exactly
// the five variants below exist on the wire.
type Message interface {
	messageType() messageType
}

// PunchRequest opens a punch attempt. The token is the coordinator-
// issued HMAC token; the session id identifies this punch attempt and
// is echoed back in the acknowledgment.
type PunchRequest struct {
	Token     string
	SessionID string
}

// PunchAck acknowledges a valid PunchRequest.
type PunchAck struct {
	SessionID string
}

// PunchSuccess confirms to the peer that its acknowledgment arrived.
type PunchSuccess struct {
	SessionID string
}

// KeepAlive holds a punched mapping open.
type KeepAlive struct{}

// NatProbe is echoed verbatim by responders for external-address
// discovery and reachability checks.
type NatProbe struct {
	Sequence uint32
}

func (PunchRequest) messageType() messageType { return typePunchRequest }
func (PunchAck) messageType() messageType     { return typePunchAck }
func (PunchSuccess) messageType() messageType { return typePunchSuccess }
func (KeepAlive) messageType() messageType    { return typeKeepAlive }
func (NatProbe) messageType() messageType     { return typeNatProbe }

// Marshal serializes a message into a single datagram.
//
// Frame layout: [version:1][type:1][payload]. Strings carry a u16
// big-endian length prefix; the NatProbe sequence is a u32 big-endian.
func Marshal(msg Message) ([]byte, error) {
	buf := []byte{ProtocolVersion, byte(msg.messageType())}

	switch m := msg.(type) {
	case PunchRequest:
		buf = appendString(buf, m.Token)
		buf = appendString(buf, m.SessionID)
	case PunchAck:
		buf = appendString(buf, m.SessionID)
	case PunchSuccess:
		buf = appendString(buf, m.SessionID)
	case KeepAlive:
	case NatProbe:
		buf = binary.BigEndian.AppendUint32(buf, m.Sequence)
	default:
		return nil, ErrUnknownMessage
	}

	if len(buf) > MaxDatagramSize {
		return nil, ErrOversized
	}
	return buf, nil
}

// Unmarshal parses a datagram into a message.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, ErrTruncated
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, data[0])
	}

	payload := data[2:]
	switch messageType(data[1]) {
	case typePunchRequest:
		token, rest, err := readString(payload)
		if err != nil {
			return nil, err
		}
		sessionID, _, err := readString(rest)
		if err != nil {
			return nil, err
		}
		return PunchRequest{Token: token, SessionID: sessionID}, nil
	case typePunchAck:
		sessionID, _, err := readString(payload)
		if err != nil {
			return nil, err
		}
		return PunchAck{SessionID: sessionID}, nil
	case typePunchSuccess:
		sessionID, _, err := readString(payload)
		if err != nil {
			return nil, err
		}
		return PunchSuccess{SessionID: sessionID}, nil
	case typeKeepAlive:
		return KeepAlive{}, nil
	case typeNatProbe:
		if len(payload) < 4 {
			return nil, ErrTruncated
		}
		return NatProbe{Sequence: binary.BigEndian.Uint32(payload)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, data[1])
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return "", nil, ErrTruncated
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
