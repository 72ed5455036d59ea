// Package nat implements NAT classification and traversal strategy
// selection for peer-to-peer connection establishment.
//
// This file defines the shared NAT model: the NAT type classification,
// the traversal strategies derived from it, and the connection
// candidates exchanged between peers. The punch and signaling packages
// build on these types so the detection path and the punch path cannot
// disagree about what a NAT type means.
package nat

import (
	"encoding/json"
	"fmt"
	"net"
)

// NATType represents the type of NAT detected.
type NATType uint8

const (
	// NATOpen means no NAT is present (public IP).
	NATOpen NATType = iota
	// NATFullCone means a full cone NAT is present (easiest to traverse).
	NATFullCone
	// NATRestrictedCone means an address-restricted cone NAT is present.
	NATRestrictedCone
	// NATPortRestrictedCone means a port-restricted cone NAT is present.
	NATPortRestrictedCone
	// NATSymmetric means a symmetric NAT is present (hardest to traverse).
	NATSymmetric
	// NATUnknown means the NAT type has not been determined.
	NATUnknown
)

// SupportsP2P reports whether direct P2P is likely to succeed.
func (t NATType) SupportsP2P() bool {
	return t.DifficultyScore() < 70
}

// DifficultyScore returns the hole punching difficulty (0-100, higher
// is harder). The ordering is monotonic with traversal difficulty and
// feeds the relay fallback decision.
func (t NATType) DifficultyScore() int {
	switch t {
	case NATOpen:
		return 0
	case NATFullCone:
		return 20
	case NATRestrictedCone:
		return 40
	case NATPortRestrictedCone:
		return 70
	case NATSymmetric:
		return 95
	default:
		return 100
	}
}

// RecommendedStrategy returns the traversal strategy to try first for
// this NAT type.
func (t NATType) RecommendedStrategy() TraversalStrategy {
	switch t {
	case NATOpen, NATFullCone:
		return StrategyDirectUDP
	case NATRestrictedCone, NATPortRestrictedCone:
		return StrategySimultaneousOpen
	case NATSymmetric:
		return StrategyRelay
	default:
		return StrategyAdaptive
	}
}

// String returns the wire form of the NAT type.
func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "open"
	case NATFullCone:
		return "full_cone"
	case NATRestrictedCone:
		return "restricted_cone"
	case NATPortRestrictedCone:
		return "port_restricted_cone"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// ParseNATType converts a wire form back to a NATType.
func ParseNATType(s string) (NATType, error) {
	switch s {
	case "open":
		return NATOpen, nil
	case "full_cone":
		return NATFullCone, nil
	case "restricted_cone":
		return NATRestrictedCone, nil
	case "port_restricted_cone":
		return NATPortRestrictedCone, nil
	case "symmetric":
		return NATSymmetric, nil
	case "unknown":
		return NATUnknown, nil
	}
	return NATUnknown, fmt.Errorf("unknown NAT type %q", s)
}

// MarshalJSON encodes the NAT type as its wire string.
func (t NATType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the NAT type from its wire string.
func (t *NATType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNATType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TraversalStrategy identifies how a connection attempt should be made.
// Strategies are computed per attempt from the NAT types involved and
// are never persisted.
type TraversalStrategy uint8

const (
	// StrategyDirectUDP attempts a direct UDP connection.
	StrategyDirectUDP TraversalStrategy = iota
	// StrategyTCPSimultaneous attempts TCP simultaneous open.
	StrategyTCPSimultaneous
	// StrategySimultaneousOpen attempts coordinated UDP hole punching.
	StrategySimultaneousOpen
	// StrategyQUIC attempts a direct QUIC connection.
	StrategyQUIC
	// StrategyRelay falls back to the relay data plane.
	StrategyRelay
	// StrategyAdaptive tries multiple strategies in difficulty order.
	StrategyAdaptive
)

// String returns a human-readable strategy name.
func (s TraversalStrategy) String() string {
	switch s {
	case StrategyDirectUDP:
		return "direct_udp"
	case StrategyTCPSimultaneous:
		return "tcp_simultaneous"
	case StrategySimultaneousOpen:
		return "simultaneous_open"
	case StrategyQUIC:
		return "quic"
	case StrategyRelay:
		return "relay"
	default:
		return "adaptive"
	}
}

// CandidateType classifies how a connection candidate was obtained.
type CandidateType uint8

const (
	// CandidateHost is a candidate on a local interface.
	CandidateHost CandidateType = iota
	// CandidateServerReflexive is a candidate learned from STUN.
	CandidateServerReflexive
	// CandidateRelay is a candidate on the relay server.
	CandidateRelay
)

// String returns the wire form of the candidate type.
func (c CandidateType) String() string {
	switch c {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	default:
		return "relay"
	}
}

// ParseCandidateType converts a wire form back to a CandidateType.
func ParseCandidateType(s string) (CandidateType, error) {
	switch s {
	case "host":
		return CandidateHost, nil
	case "srflx":
		return CandidateServerReflexive, nil
	case "relay":
		return CandidateRelay, nil
	}
	return CandidateHost, fmt.Errorf("unknown candidate type %q", s)
}

// Candidate is an address a peer can potentially be reached at.
// Candidates are immutable once produced; pairing never mutates them.
type Candidate struct {
	Addr     *net.UDPAddr
	Proto    string
	Priority uint32
	Type     CandidateType
	NATType  *NATType
}

// CandidatePair is one ordered attempt pairing a local candidate with
// a remote one.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate
}

// priorityProduct orders pairs: higher combined priority first.
func (p CandidatePair) priorityProduct() uint64 {
	return uint64(p.Local.Priority) * uint64(p.Remote.Priority)
}
