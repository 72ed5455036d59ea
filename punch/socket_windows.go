//go:build windows

package punch

import (
	"fmt"
	"net"
)

// ListenReusable binds a UDP socket. Windows allows rebinding UDP
// ports without SO_REUSEPORT, so no socket options are needed.
func ListenReusable(network, address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("bind UDP socket: %w", err)
	}
	return conn, nil
}
