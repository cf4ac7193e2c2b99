package server

import (
	"net"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// Responder delivers one encoded frame to the endpoint a request came from.
type Responder interface {
	Respond(frame []byte) error
}

type ResponderFunc func(frame []byte) error

func (f ResponderFunc) Respond(frame []byte) error {
	return f(frame)
}

type packetResponder struct {
	conn net.PacketConn
	addr net.Addr
}

func (r packetResponder) Respond(frame []byte) error {
	return messages.SendFrame(r.conn, r.addr, frame)
}
