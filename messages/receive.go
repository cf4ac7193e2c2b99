package messages

import (
	"fmt"
	"net"
	"time"
)

// MaxDatagram is large enough for any UDP payload.
const MaxDatagram = 65535

// ServerReceive reads one datagram, waiting at most timeout. A timeout error is
// returned as it is so callers can match it with os.IsTimeout.
func ServerReceive(conn net.PacketConn, timeout time.Duration) (net.Addr, []byte, error) {
	buffer := make([]byte, MaxDatagram)

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, fmt.Errorf("creating the timeout deadline: %w", err)
		}
	}
	n, raddr, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}
	return raddr, buffer[:n], nil
}

// ClientReceive is ServerReceive for the client side; the sender address is returned
// so the client can lock onto the server's transfer port.
func ClientReceive(conn net.PacketConn, timeout time.Duration) (net.Addr, []byte, error) {
	return ServerReceive(conn, timeout)
}
