package messages

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the well-known TFTP port.
const DefaultPort = 69

func CreateServerSocket(ip net.IP, port int) (*net.UDPConn, error) {
	laddr := net.UDPAddr{
		Port: port,
		IP:   ip,
	}
	conn, err := net.ListenUDP("udp", &laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP: %w", err)
	}
	return conn, nil
}

// CreateClientSocket opens an unconnected socket for talking to host:port. TFTP servers
// may answer from a different port than the one the request went to, so the socket is
// not dialed; the resolved server address is returned alongside.
func CreateClientSocket(host string, port int) (*net.UDPConn, *net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, fmt.Errorf("error resolving addr: %w", err)
	}

	// take local laddr
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating client socket: %w", err)
	}
	return conn, raddr, nil
}
