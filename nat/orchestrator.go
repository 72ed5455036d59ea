// Package nat implements NAT classification and traversal strategy
// selection for peer-to-peer connection establishment.
//
// This file implements the orchestration half: pairing local and
// remote candidates into an attempt order and deciding when the relay
// fallback should be used instead of punching.
package nat

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// relayDifficultyThreshold is the combined difficulty score above
// which punching is considered more expensive than relaying.
const relayDifficultyThreshold = 150

// Orchestrator drives NAT detection and candidate selection for one
// endpoint.
type Orchestrator struct {
	detector *Detector
}

// NewOrchestrator creates an orchestrator probing the given STUN
// servers with the given per-probe timeout.
func NewOrchestrator(stunServers []string, probeTimeout time.Duration) *Orchestrator {
	return &Orchestrator{detector: NewDetector(stunServers, probeTimeout)}
}

// DetectNATType classifies the NAT in front of conn. A probe timeout
// is returned as an error; callers treat it as NATUnknown.
func (o *Orchestrator) DetectNATType(ctx context.Context, conn *net.UDPConn) (NATType, error) {
	return o.detector.Detect(ctx, conn)
}

// ExternalAddress returns the reflected external mapping of conn.
func (o *Orchestrator) ExternalAddress(ctx context.Context, conn *net.UDPConn) (*net.UDPAddr, error) {
	return o.detector.ExternalAddress(ctx, conn)
}

// SelectCandidates pairs local and remote candidates into the order
// connection attempts should be made. Pairs with mismatched protocols
// are discarded, and when both sides sit behind symmetric NATs only
// pairs containing at least one relay candidate survive. The result is
// ordered by descending product of priorities; ties keep the
// first-listed pair first.
func SelectCandidates(localNAT, remoteNAT NATType, local, remote []Candidate) []CandidatePair {
	logrus.WithFields(logrus.Fields{
		"local_nat":    localNAT.String(),
		"remote_nat":   remoteNAT.String(),
		"local_count":  len(local),
		"remote_count": len(remote),
	}).Debug("Selecting connection candidates")

	localSorted := append([]Candidate(nil), local...)
	remoteSorted := append([]Candidate(nil), remote...)
	sort.SliceStable(localSorted, func(i, j int) bool {
		return localSorted[i].Priority > localSorted[j].Priority
	})
	sort.SliceStable(remoteSorted, func(i, j int) bool {
		return remoteSorted[i].Priority > remoteSorted[j].Priority
	})

	bothSymmetric := localNAT == NATSymmetric && remoteNAT == NATSymmetric

	var pairs []CandidatePair
	for _, l := range localSorted {
		for _, r := range remoteSorted {
			if l.Proto != r.Proto {
				continue
			}
			if bothSymmetric && l.Type != CandidateRelay && r.Type != CandidateRelay {
				continue
			}
			pairs = append(pairs, CandidatePair{Local: l, Remote: r})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].priorityProduct() > pairs[j].priorityProduct()
	})

	logrus.WithField("pair_count", len(pairs)).Debug("Generated candidate pairs")
	return pairs
}

// ShouldUseRelay reports whether the relay fallback should be used
// instead of attempting a punch: always when both sides are symmetric,
// and whenever the combined difficulty exceeds the threshold where a
// punch is unlikely to pay for itself.
func ShouldUseRelay(local, remote NATType) bool {
	if local == NATSymmetric && remote == NATSymmetric {
		return true
	}
	return local.DifficultyScore()+remote.DifficultyScore() > relayDifficultyThreshold
}
