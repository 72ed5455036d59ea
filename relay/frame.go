// Package relay implements the QUIC fallback data plane.
//
// This file implements the per-stream wire format: every frame is a
// u32 big-endian length followed by that many bytes of opaque,
// end-to-end encrypted payload. The first frame on each stream is a
// handshake naming the session and peer the stream belongs to.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted relay frame. A frame claiming
// more than this is a structural protocol violation and ends the
// stream.
const MaxFrameSize = 1024 * 1024

var (
	// ErrFrameTooLarge indicates a frame length beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("relay: frame exceeds maximum size")
	// ErrBadHandshake indicates an undecodable stream handshake.
	ErrBadHandshake = errors.New("relay: malformed stream handshake")
)

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, frameLen)
	}

	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Handshake identifies which session and peer a stream carries.
type Handshake struct {
	SessionID string
	PeerID    string
}

// Encode serializes the handshake as a frame payload.
func (h Handshake) Encode() []byte {
	buf := make([]byte, 0, 4+len(h.SessionID)+len(h.PeerID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.SessionID)))
	buf = append(buf, h.SessionID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.PeerID)))
	buf = append(buf, h.PeerID...)
	return buf
}

// DecodeHandshake parses a handshake frame payload.
func DecodeHandshake(data []byte) (Handshake, error) {
	if len(data) < 2 {
		return Handshake{}, ErrBadHandshake
	}
	sidLen := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+sidLen+2 {
		return Handshake{}, ErrBadHandshake
	}
	sessionID := string(data[2 : 2+sidLen])

	rest := data[2+sidLen:]
	pidLen := int(binary.BigEndian.Uint16(rest))
	if len(rest) != 2+pidLen {
		return Handshake{}, ErrBadHandshake
	}
	peerID := string(rest[2 : 2+pidLen])

	if sessionID == "" || peerID == "" {
		return Handshake{}, ErrBadHandshake
	}
	return Handshake{SessionID: sessionID, PeerID: peerID}, nil
}
