// Package config holds runtime configuration for the traversal daemon.
//
// This file implements the Config type, its defaults, and environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshlace/traverse/nat"
)

// Config contains the tunable settings for all traversal components.
type Config struct {
	// SignalBind is the HTTP listen address for the signaling and
	// metrics endpoints.
	SignalBind string
	// RelayBind is the QUIC relay listen address.
	RelayBind string
	// UDPBind is the local address for the hole punch socket.
	UDPBind string

	// STUNServers are tried in order during NAT detection.
	STUNServers []string

	NATProbeTimeout  time.Duration
	HolePunchTimeout time.Duration
	MaxPunchAttempts int

	// SessionTTL bounds how long an idle rendezvous session survives.
	// Punch tokens expire with HolePunchTimeout, not a separate knob,
	// so a token outlives exactly the punch window it authorizes.
	SessionTTL time.Duration

	// RelayBandwidthLimit caps per-session relay throughput in bytes
	// per second. Zero disables the cap.
	RelayBandwidthLimit uint64

	TLSCertPath string
	TLSKeyPath  string

	// Secret keys punch token authentication. Generated randomly at
	// startup when empty, which limits tokens to a single coordinator.
	Secret []byte
}

// New returns a Config with production defaults.
func New() *Config {
	return &Config{
		SignalBind:          ":8443",
		RelayBind:           ":8444",
		UDPBind:             ":0",
		STUNServers:         append([]string(nil), nat.DefaultSTUNServers...),
		NATProbeTimeout:     5 * time.Second,
		HolePunchTimeout:    10 * time.Second,
		MaxPunchAttempts:    10,
		SessionTTL:          time.Minute,
		RelayBandwidthLimit: 10 * 1024 * 1024,
	}
}

// FromEnv returns a Config with defaults overridden by TRAVERSE_*
// environment variables.
func FromEnv() (*Config, error) {
	c := New()

	if v := os.Getenv("TRAVERSE_SIGNAL_BIND"); v != "" {
		c.SignalBind = v
	}
	if v := os.Getenv("TRAVERSE_RELAY_BIND"); v != "" {
		c.RelayBind = v
	}
	if v := os.Getenv("TRAVERSE_UDP_BIND"); v != "" {
		c.UDPBind = v
	}
	if v := os.Getenv("TRAVERSE_STUN_SERVERS"); v != "" {
		c.STUNServers = splitList(v)
	}
	if v := os.Getenv("TRAVERSE_TLS_CERT"); v != "" {
		c.TLSCertPath = v
	}
	if v := os.Getenv("TRAVERSE_TLS_KEY"); v != "" {
		c.TLSKeyPath = v
	}
	if v := os.Getenv("TRAVERSE_SECRET"); v != "" {
		c.Secret = []byte(v)
	}

	var err error
	if c.NATProbeTimeout, err = envDuration("TRAVERSE_NAT_PROBE_TIMEOUT", c.NATProbeTimeout); err != nil {
		return nil, err
	}
	if c.HolePunchTimeout, err = envDuration("TRAVERSE_HOLE_PUNCH_TIMEOUT", c.HolePunchTimeout); err != nil {
		return nil, err
	}
	if c.SessionTTL, err = envDuration("TRAVERSE_SESSION_TTL", c.SessionTTL); err != nil {
		return nil, err
	}
	if v := os.Getenv("TRAVERSE_MAX_PUNCH_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("config: invalid TRAVERSE_MAX_PUNCH_ATTEMPTS %q", v)
		}
		c.MaxPunchAttempts = n
	}
	if v := os.Getenv("TRAVERSE_RELAY_BANDWIDTH_LIMIT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid TRAVERSE_RELAY_BANDWIDTH_LIMIT %q", v)
		}
		c.RelayBandwidthLimit = n
	}

	return c, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
