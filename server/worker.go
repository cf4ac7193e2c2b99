package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// worker runs one session on its own goroutine. Acknowledgments reach it through
// inbox; it is the only caller of SendChunk on its session.
type worker struct {
	id      string
	key     string
	session *Session
	resp    Responder
	log     logrus.FieldLogger

	inbox  chan uint16
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	// held while a frame goes out and while stopping: nothing is sent after stop returns
	sendMu sync.Mutex

	seen atomic.Int64

	retries    int
	retransmit time.Duration
	// abandon is called when retransmission gave up
	abandon func(w *worker)
}

type workerOptions struct {
	inboxSize  int
	retries    int
	retransmit time.Duration
	abandon    func(w *worker)
}

func newWorker(ctx context.Context, addr net.Addr, session *Session, resp Responder, log logrus.FieldLogger, opts workerOptions) *worker {
	id := uuid.NewString()
	w := &worker{
		id:         id,
		key:        addr.String(),
		session:    session,
		resp:       resp,
		log:        log.WithField("session", id),
		inbox:      make(chan uint16, opts.inboxSize),
		exited:     make(chan struct{}),
		retries:    opts.retries,
		retransmit: opts.retransmit,
		abandon:    opts.abandon,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.touch()
	return w
}

func (w *worker) touch() {
	w.seen.Store(time.Now().UnixNano())
}

func (w *worker) lastSeen() time.Time {
	return time.Unix(0, w.seen.Load())
}

// deliver queues an acknowledged block number without blocking the caller.
func (w *worker) deliver(ack uint16) bool {
	w.touch()
	select {
	case w.inbox <- ack:
		return true
	default:
		return false
	}
}

// stop cancels the worker. It does not wait for a pending read, but once it returns
// the worker sends no further frame.
func (w *worker) stop() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	w.cancel()
}

// Respond forwards frame unless the worker was stopped, for example while the block
// was being read.
func (w *worker) Respond(frame []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.ctx.Err(); err != nil {
		return err
	}
	return w.resp.Respond(frame)
}

func (w *worker) wait() {
	<-w.exited
}

func (w *worker) run() {
	defer close(w.exited)
	defer func() {
		if err := w.session.Close(); err != nil {
			w.log.WithError(err).Warn("closing file")
		}
	}()

	var timer *time.Timer
	var retry <-chan time.Time
	attempts := 0
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, retry = nil, nil
		if w.retries > 0 && !w.session.Done() {
			timer = time.NewTimer(w.retransmit)
			retry = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.send(1)
	arm()
	for {
		select {
		case <-w.ctx.Done():
			return

		case ack := <-w.inbox:
			if w.session.Done() {
				continue
			}
			attempts = 0
			w.send(w.session.Resolve(ack) + 1)
			arm()

		case <-retry:
			attempts++
			if attempts > w.retries {
				w.log.WithField("block", w.session.LastBlock()).Warn("no acknowledgment, abandoning session")
				if w.abandon != nil {
					w.abandon(w)
				}
				return
			}
			w.log.WithFields(logrus.Fields{"block": w.session.LastBlock(), "attempt": attempts}).Debug("retransmitting")
			w.send(w.session.LastBlock())
			arm()
		}
	}
}

func (w *worker) send(block uint64) {
	if w.ctx.Err() != nil {
		return
	}
	log := w.log.WithField("block", block)
	err := w.session.SendChunk(block, w)
	var rerr *ReadError
	switch {
	case errors.Is(err, context.Canceled):
		log.Debug("session stopped, frame discarded")
	case err == nil:
		log.Debug("sent block")
		if w.session.Done() {
			log.WithField("bytes", w.session.Size()).Info("transfer complete")
		}
	case errors.As(err, &rerr):
		log.WithError(err).Error("read failed, sent error to client")
	case errors.Is(err, ErrSessionDone):
		log.Debug("session already done")
	default:
		log.WithError(err).Warn("sending block failed")
	}
}
