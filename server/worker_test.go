package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// slowFile blocks every read until release is closed.
type slowFile struct {
	reading chan struct{}
	release chan struct{}
}

func newSlowFile() *slowFile {
	return &slowFile{reading: make(chan struct{}, 1), release: make(chan struct{})}
}

func (f *slowFile) Read(b []byte) (int, error) {
	select {
	case f.reading <- struct{}{}:
	default:
	}
	<-f.release
	for i := range b {
		b[i] = 'x'
	}
	return len(b), nil
}

func (f *slowFile) Seek(offset int64, whence int) (int64, error) { return offset, nil }
func (f *slowFile) Close() error                                 { return nil }

var _ io.ReadSeekCloser = (*slowFile)(nil)

func TestStopDuringReadDiscardsFrame(t *testing.T) {
	log, _ := test.NewNullLogger()
	f := newSlowFile()
	r := &recorder{}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2000}
	w := newWorker(context.Background(), addr, NewSession(f, 4*messages.BlockSize, messages.BlockSize), r, log, workerOptions{inboxSize: 1})
	go w.run()

	select {
	case <-f.reading:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started reading")
	}

	// stop returns while the read is still pending
	stopped := make(chan struct{})
	go func() {
		w.stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop waited for the pending read")
	}

	close(f.release)
	w.wait()
	assert.Empty(t, r.frames, "no frame may leave a stopped worker")
}

func TestWorkerRespondAfterStop(t *testing.T) {
	w := testWorker(t, 2001, 10)
	r := w.resp.(*recorder)

	require.NoError(t, w.Respond([]byte{0, 3, 0, 1}))
	w.stop()
	assert.ErrorIs(t, w.Respond([]byte{0, 3, 0, 2}), context.Canceled)
	assert.Len(t, r.frames, 1)
}
