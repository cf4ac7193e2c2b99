package messages

import (
	"fmt"
	"net"
)

func (m ReadRequest) Send(conn net.PacketConn, addr net.Addr) error {
	return SendFrame(conn, addr, m.Encode())
}

func (m Data) Send(conn net.PacketConn, addr net.Addr) error {
	return SendFrame(conn, addr, m.Encode())
}

func (m Ack) Send(conn net.PacketConn, addr net.Addr) error {
	return SendFrame(conn, addr, m.Encode())
}

func (m Error) Send(conn net.PacketConn, addr net.Addr) error {
	return SendFrame(conn, addr, m.Encode())
}

// SendFrame writes an already encoded frame to addr.
func SendFrame(conn net.PacketConn, addr net.Addr, frame []byte) error {
	n, err := conn.WriteTo(frame, addr)
	if err != nil {
		return fmt.Errorf("error sending message to %v: %w", addr, err)
	}
	if n != len(frame) {
		return fmt.Errorf("short write to %v: %d of %d bytes", addr, n, len(frame))
	}
	return nil
}
