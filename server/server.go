package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// short receive timeout to stay responsive to cancellation
const receiveTimeout = 100 * time.Millisecond

type Server struct {
	Conn   net.PacketConn
	Config core.ServerConfig
	// RootDir is the canonical form of Config.RootDir
	RootDir string

	log   logrus.FieldLogger
	table *sessionTable
	wg    sync.WaitGroup
	// ctx of the running Listen, parent of all session workers
	ctx context.Context
}

// Init binds ip:port and returns a server for it. With non-zero Markov probabilities
// outgoing datagrams are dropped on purpose.
func Init(ip net.IP, port int, cfg core.ServerConfig, log logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	conn, err := markov.CreateServerSocket(ip, port, cfg.MarkovP, cfg.MarkovQ)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %w", err)
	}
	s, err := New(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New serves cfg.RootDir on an already bound socket.
func New(conn net.PacketConn, cfg core.ServerConfig, log logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	root, err := CanonicalRoot(cfg.RootDir)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		Conn:    conn,
		Config:  cfg,
		RootDir: root,
		log:     log,
		table:   newSessionTable(),
		ctx:     context.Background(),
	}, nil
}

// Listen receives and dispatches datagrams until ctx is cancelled. Errors caused by a
// single datagram are logged and never end the loop.
func (s *Server) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer s.shutdown(cancel)

	s.log.WithFields(logrus.Fields{"addr": s.Conn.LocalAddr().String(), "root": s.RootDir}).Info("listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep(ctx)
	}()

	for ctx.Err() == nil {
		addr, data, err := messages.ServerReceive(s.Conn, receiveTimeout)
		if os.IsTimeout(err) {
			// next iteration when timeout
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error while receiving from UDP socket: %w", err)
		}
		if err != nil {
			s.log.WithError(err).Warn("receive failed")
			continue
		}
		if err := s.dispatch(addr, data); err != nil {
			s.log.WithError(err).WithField("client", addr.String()).Warn("dropped datagram")
		}
	}
	return nil
}

func (s *Server) Close() error {
	return s.Conn.Close()
}

// Sessions is the number of sessions currently in the table.
func (s *Server) Sessions() int {
	return s.table.len()
}

func (s *Server) shutdown(cancel context.CancelFunc) {
	cancel()
	for _, w := range s.table.drain() {
		w.stop()
	}
	s.wg.Wait()
	s.log.Info("stopped listening")
}

// dispatch routes one datagram by opcode.
func (s *Server) dispatch(addr net.Addr, data []byte) error {
	msg, err := messages.Decode(data)
	if err != nil {
		return fmt.Errorf("error while parsing client message: %w", err)
	}

	switch m := msg.(type) {
	case messages.ReadRequest:
		return s.handleReadRequest(m, addr)
	case messages.Ack:
		s.handleAck(m, addr)
		return nil
	case messages.Error:
		s.handleClientError(m, addr)
		return nil
	default:
		// write requests and data: this server is read-only
		return s.reject(addr, msg.Opcode())
	}
}

func (s *Server) handleReadRequest(m messages.ReadRequest, addr net.Addr) error {
	key := addr.String()
	log := s.log.WithFields(logrus.Fields{"client": key, "file": m.Filename, "mode": m.Mode})
	if len(m.Options) > 0 {
		log = log.WithField("options", m.Options)
	}

	// a new request always ends the previous transfer of this client
	if old := s.table.get(key); old != nil && s.table.remove(key, old) {
		// returns without waiting for a pending read; the old worker sends nothing after it
		old.stop()
		log.WithField("session", old.id).Info("replacing existing session")
	}

	session, err := OpenSession(s.RootDir, m.Filename, s.Config.BlockSize)
	if err != nil {
		var ferr *FileError
		if !errors.As(err, &ferr) {
			ferr = &FileError{Kind: FileOther, Name: m.Filename, Err: err}
		}
		log.WithError(err).Warn("read request rejected")
		reply := messages.Error{Code: ferr.Kind.Code(), Message: ferr.Kind.String()}
		if err := reply.Send(s.Conn, addr); err != nil {
			return err
		}
		return nil
	}

	w := newWorker(s.ctx, addr, session, packetResponder{conn: s.Conn, addr: addr}, log, workerOptions{
		inboxSize:  s.Config.InboxSize,
		retries:    s.Config.Retries,
		retransmit: s.Config.RetransmitTimeout,
		abandon: func(w *worker) {
			s.table.remove(w.key, w)
		},
	})
	if old := s.table.replace(key, w); old != nil {
		old.stop()
	}
	w.log.WithFields(logrus.Fields{"bytes": session.Size(), "blocks": session.TotalBlocks()}).Info("read request accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run()
	}()
	return nil
}

func (s *Server) handleAck(m messages.Ack, addr net.Addr) {
	log := s.log.WithFields(logrus.Fields{"client": addr.String(), "block": m.Block})
	w := s.table.get(addr.String())
	if w == nil {
		// late, duplicate or spurious: expected on an unreliable transport
		log.Debug("acknowledgment for unknown session ignored")
		return
	}
	if w.session.Done() {
		log.Debug("acknowledgment for finished session ignored")
		return
	}
	if !w.deliver(m.Block) {
		log.Warn("session inbox full, acknowledgment dropped")
	}
}

// handleClientError ends the client's session. Error frames are never answered.
func (s *Server) handleClientError(m messages.Error, addr net.Addr) {
	key := addr.String()
	log := s.log.WithFields(logrus.Fields{"client": key, "code": m.Code})
	log.WithField("message", m.Message).Info("client sent error")
	if w := s.table.get(key); w != nil && s.table.remove(key, w) {
		w.stop()
		log.WithField("session", w.id).Info("session aborted by client")
	}
}

func (s *Server) reject(addr net.Addr, op messages.Opcode) error {
	s.log.WithFields(logrus.Fields{"client": addr.String(), "opcode": op.String()}).Info("unsupported operation")
	reply := messages.Error{Code: messages.ErrIllegalOperation, Message: "operation not supported"}
	return reply.Send(s.Conn, addr)
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.Config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

// evict stops sessions that are done or idle past the configured timeout.
func (s *Server) evict(now time.Time) int {
	expired := s.table.expired(now, s.Config.IdleTimeout)
	for _, w := range expired {
		w.stop()
		w.log.WithField("done", w.session.Done()).Debug("session evicted")
	}
	return len(expired)
}
