package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

type testServer struct {
	*Server
	root string
	hook *test.Hook
}

func startServer(t *testing.T, mutate func(cfg *core.ServerConfig)) *testServer {
	t.Helper()
	root, err := CanonicalRoot(t.TempDir())
	require.NoError(t, err)

	cfg := core.DefaultServerConfig
	cfg.RootDir = root
	if mutate != nil {
		mutate(&cfg)
	}

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	conn, err := messages.CreateServerSocket(net.ParseIP("127.0.0.1"), 0)
	require.NoError(t, err)
	s, err := New(conn, cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		s.Close()
	})
	return &testServer{Server: s, root: root, hook: hook}
}

func newClient(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *net.UDPConn, s *testServer, frame []byte) {
	t.Helper()
	_, err := c.WriteTo(frame, s.Conn.LocalAddr())
	require.NoError(t, err)
}

func receive(t *testing.T, c *net.UDPConn) messages.Message {
	t.Helper()
	_, data, err := messages.ClientReceive(c, 2*time.Second)
	require.NoError(t, err)
	msg, err := messages.Decode(data)
	require.NoError(t, err)
	return msg
}

func receiveData(t *testing.T, c *net.UDPConn) messages.Data {
	t.Helper()
	msg := receive(t, c)
	d, ok := msg.(messages.Data)
	require.True(t, ok, "expected DATA, got %#v", msg)
	return d
}

func receiveError(t *testing.T, c *net.UDPConn) messages.Error {
	t.Helper()
	msg := receive(t, c)
	e, ok := msg.(messages.Error)
	require.True(t, ok, "expected ERROR, got %#v", msg)
	return e
}

func expectSilence(t *testing.T, c *net.UDPConn) {
	t.Helper()
	_, _, err := messages.ClientReceive(c, 200*time.Millisecond)
	require.True(t, os.IsTimeout(err), "expected no reply, got %v", err)
}

func rrq(name string) []byte {
	return messages.EncodeReadRequest(name, "octet")
}

func (s *testServer) file(t *testing.T, name string, size int) []byte {
	return writeRandomFile(t, s.root, name, size)
}

func TestTransferThousandBytes(t *testing.T) {
	s := startServer(t, nil)
	data := s.file(t, "f.bin", 1000)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	d := receiveData(t, c)
	assert.Equal(t, uint16(1), d.Block)
	assert.Equal(t, data[:512], d.Payload)
	assert.Equal(t, 1, s.Sessions())

	send(t, c, s, messages.EncodeAck(1))
	d = receiveData(t, c)
	assert.Equal(t, uint16(2), d.Block)
	assert.Equal(t, data[512:], d.Payload)

	// done: the final acknowledgment gets no answer
	send(t, c, s, messages.EncodeAck(2))
	expectSilence(t, c)
}

func TestTransferExactMultiple(t *testing.T) {
	s := startServer(t, nil)
	s.file(t, "f.bin", 1024)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	assert.Len(t, receiveData(t, c).Payload, 512)
	send(t, c, s, messages.EncodeAck(1))
	assert.Len(t, receiveData(t, c).Payload, 512)
	send(t, c, s, messages.EncodeAck(2))
	d := receiveData(t, c)
	assert.Equal(t, uint16(3), d.Block)
	assert.Empty(t, d.Payload)
	send(t, c, s, messages.EncodeAck(3))
	expectSilence(t, c)
}

func TestTransferEmptyFile(t *testing.T) {
	s := startServer(t, nil)
	s.file(t, "empty", 0)
	c := newClient(t)

	send(t, c, s, rrq("/empty"))
	d := receiveData(t, c)
	assert.Equal(t, uint16(1), d.Block)
	assert.Empty(t, d.Payload)
}

func TestDuplicateAckResendsBlock(t *testing.T) {
	s := startServer(t, nil)
	data := s.file(t, "f.bin", 2000)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	receiveData(t, c)
	send(t, c, s, messages.EncodeAck(1))
	first := receiveData(t, c)
	send(t, c, s, messages.EncodeAck(1))
	again := receiveData(t, c)
	assert.Equal(t, first, again)
	assert.Equal(t, data[512:1024], again.Payload)
}

func TestFileNotFound(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	send(t, c, s, rrq("nope.txt"))
	e := receiveError(t, c)
	assert.Equal(t, messages.ErrFileNotFound, e.Code)
	assert.Zero(t, s.Sessions())

	send(t, c, s, messages.EncodeAck(1))
	expectSilence(t, c)
}

func TestPathEscapeRejected(t *testing.T) {
	s := startServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(s.root), "outside.txt"), []byte("secret"), 0o644))
	c := newClient(t)

	send(t, c, s, rrq("../outside.txt"))
	e := receiveError(t, c)
	assert.Equal(t, messages.ErrAccessViolation, e.Code)
	assert.Zero(t, s.Sessions())
}

func TestWriteRequestAndDataUnsupported(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	send(t, c, s, messages.WriteRequest{Filename: "up", Mode: "octet"}.Encode())
	assert.Equal(t, messages.ErrIllegalOperation, receiveError(t, c).Code)

	send(t, c, s, messages.EncodeData(1, []byte("x")))
	assert.Equal(t, messages.ErrIllegalOperation, receiveError(t, c).Code)
	assert.Zero(t, s.Sessions())
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	s := startServer(t, nil)
	s.file(t, "f.bin", 10)
	c := newClient(t)

	send(t, c, s, []byte{0x01})
	expectSilence(t, c)
	send(t, c, s, []byte{0x00, 0x09})
	expectSilence(t, c)
	send(t, c, s, []byte("\x00\x01no-terminator"))
	expectSilence(t, c)

	// the loop is still alive
	send(t, c, s, rrq("f.bin"))
	assert.Len(t, receiveData(t, c).Payload, 10)
}

func TestAckForUnknownSessionIgnored(t *testing.T) {
	s := startServer(t, nil)
	c := newClient(t)

	send(t, c, s, messages.EncodeAck(5))
	expectSilence(t, c)

	found := false
	for _, e := range s.hook.AllEntries() {
		if e.Message == "acknowledgment for unknown session ignored" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewRequestReplacesSession(t *testing.T) {
	s := startServer(t, nil)
	a := s.file(t, "a.bin", 2000)
	b := s.file(t, "b.bin", 2000)
	c := newClient(t)

	send(t, c, s, rrq("a.bin"))
	assert.Equal(t, a[:512], receiveData(t, c).Payload)

	send(t, c, s, rrq("b.bin"))
	assert.Equal(t, b[:512], receiveData(t, c).Payload)
	assert.Equal(t, 1, s.Sessions())

	send(t, c, s, messages.EncodeAck(1))
	assert.Equal(t, b[512:1024], receiveData(t, c).Payload)
}

func TestIndependentClients(t *testing.T) {
	s := startServer(t, nil)
	a := s.file(t, "a.bin", 1500)
	b := s.file(t, "b.bin", 1500)
	ca, cb := newClient(t), newClient(t)

	send(t, ca, s, rrq("a.bin"))
	send(t, cb, s, rrq("b.bin"))
	assert.Equal(t, a[:512], receiveData(t, ca).Payload)
	assert.Equal(t, b[:512], receiveData(t, cb).Payload)
	assert.Equal(t, 2, s.Sessions())

	send(t, cb, s, messages.EncodeAck(1))
	send(t, ca, s, messages.EncodeAck(1))
	assert.Equal(t, b[512:1024], receiveData(t, cb).Payload)
	assert.Equal(t, a[512:1024], receiveData(t, ca).Payload)
}

func TestClientErrorAbortsSession(t *testing.T) {
	s := startServer(t, nil)
	s.file(t, "f.bin", 2000)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	receiveData(t, c)
	send(t, c, s, messages.EncodeError(messages.ErrDiskFull, "disk full"))
	expectSilence(t, c)
	assert.Zero(t, s.Sessions())

	send(t, c, s, messages.EncodeAck(1))
	expectSilence(t, c)
}

func TestEvictIdleAndDoneSessions(t *testing.T) {
	s := startServer(t, nil)
	s.file(t, "big.bin", 5000)
	s.file(t, "small.bin", 5)
	busy, finished := newClient(t), newClient(t)

	send(t, busy, s, rrq("big.bin"))
	receiveData(t, busy)
	send(t, finished, s, rrq("small.bin"))
	receiveData(t, finished)
	require.Equal(t, 2, s.Sessions())

	// the finished transfer goes first, the busy one only once it idles out
	assert.Equal(t, 1, s.evict(time.Now()))
	assert.Equal(t, 1, s.Sessions())
	assert.Equal(t, 1, s.evict(time.Now().Add(time.Hour)))
	assert.Zero(t, s.Sessions())

	send(t, busy, s, messages.EncodeAck(1))
	expectSilence(t, busy)
}

func TestSweeperEvicts(t *testing.T) {
	s := startServer(t, func(cfg *core.ServerConfig) {
		cfg.IdleTimeout = 50 * time.Millisecond
		cfg.SweepInterval = 20 * time.Millisecond
	})
	s.file(t, "big.bin", 5000)
	c := newClient(t)

	send(t, c, s, rrq("big.bin"))
	receiveData(t, c)
	require.Eventually(t, func() bool { return s.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRetransmission(t *testing.T) {
	s := startServer(t, func(cfg *core.ServerConfig) {
		cfg.Retries = 2
		cfg.RetransmitTimeout = 50 * time.Millisecond
	})
	data := s.file(t, "f.bin", 1000)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	for i := 0; i < 3; i++ {
		d := receiveData(t, c)
		assert.Equal(t, uint16(1), d.Block, "attempt %d", i)
		assert.Equal(t, data[:512], d.Payload)
	}
	expectSilence(t, c)
	require.Eventually(t, func() bool { return s.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetransmissionResetByAck(t *testing.T) {
	s := startServer(t, func(cfg *core.ServerConfig) {
		cfg.Retries = 1
		cfg.RetransmitTimeout = 100 * time.Millisecond
	})
	data := s.file(t, "f.bin", 1000)
	c := newClient(t)

	send(t, c, s, rrq("f.bin"))
	receiveData(t, c)
	send(t, c, s, messages.EncodeAck(1))
	d := receiveData(t, c)
	assert.Equal(t, data[512:], d.Payload)

	// the final block is never retransmitted
	expectSilence(t, c)
}
