package markov

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Conn drops outgoing datagrams following a two-state Markov chain: after a sent
// datagram the next one is dropped with probability P, after a dropped one with
// probability Q. Reads are passed through untouched.
type Conn struct {
	net.PacketConn
	P float64
	Q float64

	mu          sync.Mutex
	rnd         *rand.Rand
	lastDropped bool
	dropped     uint64
}

// Wrap returns conn unchanged when both probabilities are zero.
func Wrap(conn net.PacketConn, p float64, q float64) net.PacketConn {
	if p == 0 && q == 0 {
		return conn
	}
	return NewConn(conn, p, q, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func NewConn(conn net.PacketConn, p float64, q float64, rnd *rand.Rand) *Conn {
	return &Conn{
		PacketConn: conn,
		P:          p,
		Q:          q,
		rnd:        rnd,
	}
}

// Implement the interface for net.PacketConn
func (mc *Conn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if mc.drop() {
		return len(p), nil
	}
	return mc.PacketConn.WriteTo(p, addr)
}

// Dropped reports how many datagrams were swallowed so far.
func (mc *Conn) Dropped() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.dropped
}

func (mc *Conn) drop() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	threshold := mc.P
	if mc.lastDropped {
		threshold = mc.Q
	}
	mc.lastDropped = mc.rnd.Float64() < threshold
	if mc.lastDropped {
		mc.dropped++
	}
	return mc.lastDropped
}
