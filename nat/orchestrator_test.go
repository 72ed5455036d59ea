package nat

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpCandidate(port int, priority uint32, ctype CandidateType) Candidate {
	return Candidate{
		Addr:     &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: port},
		Proto:    "udp",
		Priority: priority,
		Type:     ctype,
	}
}

// TestSelectCandidates_ProtocolMatch tests that pairs with mismatched
// protocols are discarded.
func TestSelectCandidates_ProtocolMatch(t *testing.T) {
	local := []Candidate{udpCandidate(1000, 100, CandidateHost)}
	remote := []Candidate{
		{Addr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 2), Port: 2000}, Proto: "tcp", Priority: 100, Type: CandidateHost},
	}

	pairs := SelectCandidates(NATFullCone, NATFullCone, local, remote)
	assert.Empty(t, pairs)
}

// TestSelectCandidates_Ordering tests pairs come out ordered by
// descending priority product.
func TestSelectCandidates_Ordering(t *testing.T) {
	local := []Candidate{
		udpCandidate(1000, 10, CandidateHost),
		udpCandidate(1001, 90, CandidateServerReflexive),
	}
	remote := []Candidate{
		udpCandidate(2000, 50, CandidateHost),
		udpCandidate(2001, 80, CandidateServerReflexive),
	}

	pairs := SelectCandidates(NATFullCone, NATRestrictedCone, local, remote)
	require.Len(t, pairs, 4)
	for i := 1; i < len(pairs); i++ {
		assert.GreaterOrEqual(t, pairs[i-1].priorityProduct(), pairs[i].priorityProduct())
	}
	assert.Equal(t, uint32(90), pairs[0].Local.Priority)
	assert.Equal(t, uint32(80), pairs[0].Remote.Priority)
}

// TestSelectCandidates_BothSymmetric tests that only relay-bearing
// pairs survive when both sides are symmetric.
func TestSelectCandidates_BothSymmetric(t *testing.T) {
	local := []Candidate{
		udpCandidate(1000, 100, CandidateHost),
		udpCandidate(1001, 50, CandidateRelay),
	}
	remote := []Candidate{
		udpCandidate(2000, 100, CandidateHost),
		udpCandidate(2001, 40, CandidateServerReflexive),
	}

	pairs := SelectCandidates(NATSymmetric, NATSymmetric, local, remote)
	require.NotEmpty(t, pairs)
	for _, p := range pairs {
		relayPresent := p.Local.Type == CandidateRelay || p.Remote.Type == CandidateRelay
		assert.True(t, relayPresent, "pair %v/%v has no relay candidate", p.Local.Addr, p.Remote.Addr)
	}
}

// TestSelectCandidates_BothSymmetricNoRelay tests the degenerate case
// of symmetric peers with no relay candidate at all.
func TestSelectCandidates_BothSymmetricNoRelay(t *testing.T) {
	local := []Candidate{udpCandidate(1000, 100, CandidateHost)}
	remote := []Candidate{udpCandidate(2000, 100, CandidateHost)}

	pairs := SelectCandidates(NATSymmetric, NATSymmetric, local, remote)
	assert.Empty(t, pairs)
}

// TestSelectCandidates_InputNotMutated tests that selection never
// reorders the caller's slices.
func TestSelectCandidates_InputNotMutated(t *testing.T) {
	local := []Candidate{
		udpCandidate(1000, 10, CandidateHost),
		udpCandidate(1001, 90, CandidateHost),
	}
	remote := []Candidate{udpCandidate(2000, 50, CandidateHost)}

	SelectCandidates(NATOpen, NATOpen, local, remote)
	assert.Equal(t, uint32(10), local[0].Priority)
	assert.Equal(t, uint32(90), local[1].Priority)
}

// TestShouldUseRelay tests the relay fallback decision.
func TestShouldUseRelay(t *testing.T) {
	assert.True(t, ShouldUseRelay(NATSymmetric, NATSymmetric))
	assert.True(t, ShouldUseRelay(NATSymmetric, NATUnknown))
	assert.True(t, ShouldUseRelay(NATUnknown, NATUnknown))

	// 95 + 40 = 135 stays under the threshold.
	assert.False(t, ShouldUseRelay(NATSymmetric, NATRestrictedCone))
	// 95 + 70 = 165 exceeds it.
	assert.True(t, ShouldUseRelay(NATSymmetric, NATPortRestrictedCone))

	assert.False(t, ShouldUseRelay(NATOpen, NATOpen))
	assert.False(t, ShouldUseRelay(NATFullCone, NATPortRestrictedCone))
}
