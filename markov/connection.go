package markov

import (
	"net"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// CreateServerSocket binds ip:port and drops outgoing datagrams with the given
// probabilities.
func CreateServerSocket(ip net.IP, port int, p float64, q float64) (net.PacketConn, error) {
	conn, err := messages.CreateServerSocket(ip, port)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, p, q), nil
}
