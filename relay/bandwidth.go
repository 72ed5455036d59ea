// Package relay implements the QUIC fallback data plane: when two
// peers cannot punch a direct path, each connects to the relay and the
// relay forwards opaque frames between them within a session, metering
// and capping per-session bandwidth.
//
// This file implements bandwidth accounting. One account exists per
// relay session, shared by the accounting check and the periodic
// monitor. Counter updates are lock-free atomic increments; the
// last-activity timestamp is the only mutex-guarded field.
package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// BandwidthAccount meters the traffic of one relay session.
type BandwidthAccount struct {
	sessionID     string
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	startTime     time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// NewBandwidthAccount creates a zeroed account for a session.
func NewBandwidthAccount(sessionID string) *BandwidthAccount {
	now := time.Now()
	return &BandwidthAccount{
		sessionID:    sessionID,
		startTime:    now,
		lastActivity: now,
	}
}

// SessionID returns the session this account meters.
func (a *BandwidthAccount) SessionID() string { return a.sessionID }

// AddSent records bytes forwarded to a peer.
func (a *BandwidthAccount) AddSent(n uint64) {
	a.bytesSent.Add(n)
	a.touch()
}

// AddReceived records bytes read from a peer.
func (a *BandwidthAccount) AddReceived(n uint64) {
	a.bytesReceived.Add(n)
	a.touch()
}

// BytesSent returns the total bytes forwarded.
func (a *BandwidthAccount) BytesSent() uint64 { return a.bytesSent.Load() }

// BytesReceived returns the total bytes read.
func (a *BandwidthAccount) BytesReceived() uint64 { return a.bytesReceived.Load() }

// TotalBytes returns the sum of sent and received bytes.
func (a *BandwidthAccount) TotalBytes() uint64 {
	return a.bytesSent.Load() + a.bytesReceived.Load()
}

// CurrentBandwidth returns the rolling rate in bytes per second,
// recomputed on demand from the totals and the account's age.
func (a *BandwidthAccount) CurrentBandwidth() uint64 {
	elapsed := uint64(time.Since(a.startTime) / time.Second)
	if elapsed < 1 {
		elapsed = 1
	}
	return a.TotalBytes() / elapsed
}

// IsIdle reports whether no traffic has been recorded for threshold.
func (a *BandwidthAccount) IsIdle(threshold time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity) > threshold
}

func (a *BandwidthAccount) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}
