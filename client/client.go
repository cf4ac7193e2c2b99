package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// ErrTimeout is returned when the server stayed silent through every retransmission.
var ErrTimeout = errors.New("no response from server")

// transfer is the state of one download.
type transfer struct {
	conn net.PacketConn
	cfg  *core.ClientConfig
	log  *logrus.Entry
	file *os.File

	// dest receives our packets: the server's well-known port until the first DATA
	// arrives, its transfer address afterwards
	dest   net.Addr
	locked bool

	// last packet sent, resent on timeout
	last     []byte
	expected uint16
	bytes    int64
	blocks   uint64
}

// RequestFile fetches remote from the server at host:port and writes it to local. A
// partially written local file is removed when the transfer fails.
func RequestFile(ctx context.Context, host string, port int, remote string, local string, cfg *core.ClientConfig) error {
	if cfg == nil {
		c := core.DefaultClientConfig
		cfg = &c
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	udp, raddr, err := messages.CreateClientSocket(host, port)
	if err != nil {
		return fmt.Errorf("create client socket: %w", err)
	}
	defer udp.Close()

	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("open file %s: %w", local, err)
	}

	t := &transfer{
		conn: markov.Wrap(udp, cfg.MarkovP, cfg.MarkovQ),
		cfg:  cfg,
		log: logrus.WithFields(logrus.Fields{
			"server": raddr.String(),
			"file":   remote,
		}),
		file:     f,
		dest:     raddr,
		expected: 1,
	}
	err = t.run(ctx, remote)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(local)
		return err
	}
	t.log.WithFields(logrus.Fields{"bytes": t.bytes, "blocks": t.blocks, "local": local}).Info("transfer complete")
	return nil
}

func (t *transfer) run(ctx context.Context, remote string) error {
	rrq := messages.ReadRequest{Filename: remote, Mode: t.cfg.Mode}
	if err := t.send(rrq.Encode()); err != nil {
		return err
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, data, err := messages.ClientReceive(t.conn, t.cfg.Timeout)
		if os.IsTimeout(err) {
			attempts++
			if attempts > t.cfg.Retransmissions {
				return fmt.Errorf("waiting for block %d: %w", t.expected, ErrTimeout)
			}
			t.log.WithFields(logrus.Fields{"block": t.expected, "attempt": attempts}).Debug("timeout, retransmitting")
			if err := t.send(t.last); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		if t.locked && addr.String() != t.dest.String() {
			// RFC 1350: packets from a foreign transfer ID get an error, the transfer goes on
			t.log.WithField("from", addr.String()).Warn("packet from unknown transfer ID")
			reply := messages.Error{Code: messages.ErrUnknownTransferID, Message: "unknown transfer ID"}
			if err := reply.Send(t.conn, addr); err != nil {
				t.log.WithError(err).Warn("sending error")
			}
			continue
		}

		msg, err := messages.Decode(data)
		if err != nil {
			t.log.WithError(err).Debug("dropped datagram")
			continue
		}

		switch m := msg.(type) {
		case messages.Error:
			return &messages.RemoteError{Code: m.Code, Message: m.Message}

		case messages.Data:
			if !t.locked {
				t.dest, t.locked = addr, true
			}
			finished, err := t.handleData(m)
			if err != nil {
				return err
			}
			attempts = 0
			if finished {
				return nil
			}

		default:
			t.log.WithField("opcode", msg.Opcode().String()).Debug("unexpected message ignored")
		}
	}
}

// handleData writes the expected block and acknowledges it. A duplicate of the previous
// block is acknowledged again, anything else is ignored.
func (t *transfer) handleData(m messages.Data) (finished bool, err error) {
	switch m.Block {
	case t.expected:
	case t.expected - 1:
		t.log.WithField("block", m.Block).Debug("duplicate block")
		return false, t.send(t.last)
	default:
		t.log.WithFields(logrus.Fields{"block": m.Block, "expected": t.expected}).Debug("out of order block ignored")
		return false, nil
	}

	if _, err := t.file.Write(m.Payload); err != nil {
		return false, fmt.Errorf("write block %d: %w", t.blocks+1, err)
	}
	t.bytes += int64(len(m.Payload))
	t.blocks++

	if err := t.send(messages.EncodeAck(m.Block)); err != nil {
		return false, err
	}
	t.expected++
	return len(m.Payload) < messages.BlockSize, nil
}

func (t *transfer) send(frame []byte) error {
	t.last = frame
	return messages.SendFrame(t.conn, t.dest, frame)
}
