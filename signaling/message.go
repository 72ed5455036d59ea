// Package signaling implements the rendezvous coordinator: a
// per-session registry of peers reachable over a persistent WebSocket
// channel. The coordinator issues punch-coordination tokens on join,
// broadcasts exchanged candidates, and routes offer/answer messages
// between named peers.
//
// This file defines the JSON message schema exchanged with clients.
package signaling

import (
	"fmt"
	"net"
	"strconv"

	"github.com/meshlace/traverse/nat"
)

// MessageType tags a signaling message. The set is closed and
// versioned with the protocol.
type MessageType string

const (
	// TypeJoin registers a peer in a session.
	TypeJoin MessageType = "join"
	// TypeLeave removes a peer from a session.
	TypeLeave MessageType = "leave"
	// TypeCandidate carries one connection candidate.
	TypeCandidate MessageType = "candidate"
	// TypeOffer is a connection offer routed to a named peer.
	TypeOffer MessageType = "offer"
	// TypeAnswer is the response to an offer, routed back.
	TypeAnswer MessageType = "answer"
	// TypePunchCoord delivers a punch-coordination token and the
	// target peer's candidates.
	TypePunchCoord MessageType = "punch_coord"
	// TypePing is a client heartbeat.
	TypePing MessageType = "ping"
	// TypePong answers a ping.
	TypePong MessageType = "pong"
	// TypeError reports a failure back to the requesting peer.
	TypeError MessageType = "error"
)

// Candidate is the wire form of a connection candidate.
type Candidate struct {
	IP            string `json:"ip"`
	Port          uint16 `json:"port"`
	Proto         string `json:"proto"`
	Priority      uint32 `json:"priority"`
	CandidateType string `json:"candidate_type"`
}

// FromNAT converts a model candidate to its wire form.
func FromNAT(c nat.Candidate) Candidate {
	return Candidate{
		IP:            c.Addr.IP.String(),
		Port:          uint16(c.Addr.Port),
		Proto:         c.Proto,
		Priority:      c.Priority,
		CandidateType: c.Type.String(),
	}
}

// ToNAT converts a wire candidate back to the model form.
func (c Candidate) ToNAT() (nat.Candidate, error) {
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return nat.Candidate{}, fmt.Errorf("signaling: invalid candidate IP %q", c.IP)
	}
	ctype, err := nat.ParseCandidateType(c.CandidateType)
	if err != nil {
		return nat.Candidate{}, err
	}
	return nat.Candidate{
		Addr:     &net.UDPAddr{IP: ip, Port: int(c.Port)},
		Proto:    c.Proto,
		Priority: c.Priority,
		Type:     ctype,
	}, nil
}

// Addr returns the candidate's address in host:port form.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}

// Message is one signaling frame. Only the fields relevant to the
// message type are populated.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	PeerID    string      `json:"peer_id,omitempty"`

	// Join fields.
	JoinToken  string      `json:"join_token,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	PubKey     []byte      `json:"pubkey,omitempty"`
	NATType    string      `json:"nat_type,omitempty"`

	// Candidate broadcast.
	Candidate *Candidate `json:"candidate,omitempty"`

	// Offer/Answer routing.
	FromPeerID string `json:"from_peer_id,omitempty"`
	ToPeerID   string `json:"to_peer_id,omitempty"`
	SDP        string `json:"sdp,omitempty"`

	// Punch coordination.
	Token   string `json:"token,omitempty"`
	StartTS int64  `json:"start_ts,omitempty"`
	Expires int64  `json:"expires,omitempty"`

	// Error reporting.
	Error string `json:"message,omitempty"`
}
