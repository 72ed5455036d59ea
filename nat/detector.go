// Package nat implements NAT classification and traversal strategy
// selection for peer-to-peer connection establishment.
//
// This file implements NAT type detection using STUN binding probes
// against independent reflector servers over a single UDP socket, so
// the mapping observed during detection is the same one later used
// for hole punching.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v2"
	"github.com/sirupsen/logrus"

	"github.com/meshlace/traverse/metrics"
)

// ErrProbeTimeout indicates a binding probe round-trip exceeded the
// configured bound. Callers treat the NAT type as unknown.
var ErrProbeTimeout = errors.New("nat: probe timeout")

// DefaultSTUNServers are the reflector servers used when none are
// configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
}

// Detector classifies the local NAT by comparing the reflected
// external mappings reported by distinct STUN servers.
type Detector struct {
	servers []string
	timeout time.Duration
}

// NewDetector creates a detector probing the given STUN servers. At
// least two servers are required for classification; a third enables
// the port-independence probe.
func NewDetector(servers []string, timeout time.Duration) *Detector {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return &Detector{servers: servers, timeout: timeout}
}

// Detect classifies the NAT in front of conn. The two binding probes
// and the port-independence probe all reuse the same socket.
//
// Classification: identical reflected mappings from two independent
// servers mean the mapping is address-consistent; the NAT is FullCone
// when the port-independence probe succeeds and RestrictedCone when it
// does not. Differing mappings mean each outbound flow gets its own
// external mapping, which is Symmetric.
func (d *Detector) Detect(ctx context.Context, conn *net.UDPConn) (NATType, error) {
	if len(d.servers) < 2 {
		return NATUnknown, errors.New("nat: need at least two STUN servers")
	}

	start := time.Now()

	addr1, err := d.bindingProbe(ctx, conn, d.servers[0])
	if err != nil {
		return NATUnknown, fmt.Errorf("first binding probe: %w", err)
	}
	addr2, err := d.bindingProbe(ctx, conn, d.servers[1])
	if err != nil {
		return NATUnknown, fmt.Errorf("second binding probe: %w", err)
	}

	var natType NATType
	if udpAddrEqual(addr1, addr2) {
		if d.portIndependenceProbe(ctx, conn, addr1) {
			natType = NATFullCone
		} else {
			natType = NATRestrictedCone
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"mapping_1": addr1.String(),
			"mapping_2": addr2.String(),
		}).Warn("Symmetric NAT detected, direct traversal may fail")
		natType = NATSymmetric
	}

	logrus.WithFields(logrus.Fields{
		"nat_type":    natType.String(),
		"external":    addr1.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("NAT type detected")
	metrics.NATTypeDetected.WithLabelValues(natType.String()).Inc()

	return natType, nil
}

// ExternalAddress returns the reflected external mapping reported by
// the first STUN server, for use as a server-reflexive candidate.
func (d *Detector) ExternalAddress(ctx context.Context, conn *net.UDPConn) (*net.UDPAddr, error) {
	if len(d.servers) == 0 {
		return nil, errors.New("nat: no STUN servers configured")
	}
	return d.bindingProbe(ctx, conn, d.servers[0])
}

// bindingProbe sends one STUN binding request and returns the
// XOR-mapped (or mapped) address from the response.
func (d *Detector) bindingProbe(ctx context.Context, conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve STUN server %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	if _, err := conn.WriteToUDP(req.Raw, raddr); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, ErrProbeTimeout
			}
			return nil, fmt.Errorf("receive binding response: %w", err)
		}
		if !from.IP.Equal(raddr.IP) {
			continue
		}

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			logrus.WithFields(logrus.Fields{
				"from":  from.String(),
				"error": err,
			}).Debug("Discarding non-STUN datagram during probe")
			continue
		}
		if resp.TransactionID != req.TransactionID {
			continue
		}
		if resp.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("unexpected STUN response type %s", resp.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(resp); err == nil {
			return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("no mapped address in response: %w", err)
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}

// portIndependenceProbe checks whether the external mapping stays
// stable toward a third destination. Public STUN servers rarely honor
// CHANGE-REQUEST, so this sends a regular binding request to a third
// server and succeeds when the mapping is unchanged and the response
// arrives in time.
func (d *Detector) portIndependenceProbe(ctx context.Context, conn *net.UDPConn, prior *net.UDPAddr) bool {
	if len(d.servers) < 3 {
		return false
	}
	addr, err := d.bindingProbe(ctx, conn, d.servers[2])
	if err != nil {
		logrus.WithField("error", err).Debug("Port-independence probe failed")
		return false
	}
	return udpAddrEqual(addr, prior)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
