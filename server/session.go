package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// Session is one client's read of one file. It is owned by a single goroutine;
// only Done may be called from others.
type Session struct {
	file        io.ReadSeekCloser
	size        int64
	blockSize   int
	totalBlocks uint64

	// byte offset of the file position, -1 after a failed read
	cursor int64
	// semantic index of the last block sent, 0 before the first
	lastBlock uint64
	done      atomic.Bool

	buf []byte
}

// OpenSession opens name below the canonical root for reading.
func OpenSession(root string, name string, blockSize int) (*Session, error) {
	path, err := Resolve(root, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, newFileError(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newFileError(name, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, &FileError{Kind: NotRegularFile, Name: name}
	}
	return NewSession(f, info.Size(), blockSize), nil
}

// NewSession takes ownership of f, which must be positioned at offset 0.
func NewSession(f io.ReadSeekCloser, size int64, blockSize int) *Session {
	return &Session{
		file:        f,
		size:        size,
		blockSize:   blockSize,
		totalBlocks: Ceil(size, int64(blockSize)),
		buf:         make([]byte, blockSize),
	}
}

// TotalBlocks is ceil(size/blockSize). An empty file has none, its only block is the
// empty terminator.
func (s *Session) TotalBlocks() uint64 {
	return s.totalBlocks
}

func (s *Session) Size() int64 {
	return s.size
}

func (s *Session) Done() bool {
	return s.done.Load()
}

func (s *Session) LastBlock() uint64 {
	return s.lastBlock
}

// Resolve maps a 16 bit acknowledged block number to the nearest semantic block index
// not after the last block sent.
func (s *Session) Resolve(ack uint16) uint64 {
	b := s.lastBlock&^0xffff | uint64(ack)
	if b > s.lastBlock && b >= 1<<16 {
		b -= 1 << 16
	}
	return b
}

// SendChunk sends block number block (1-based) through r. Exactly one frame is sent:
// DATA with up to blockSize bytes, or ERROR if reading the file failed. A block
// shorter than blockSize, including the empty one past the end, finishes the session.
func (s *Session) SendChunk(block uint64, r Responder) error {
	if s.done.Load() {
		return ErrSessionDone
	}
	if block == 0 {
		return fmt.Errorf("block numbers start at 1")
	}
	s.lastBlock = block

	if block > s.totalBlocks {
		s.done.Store(true)
		return respond(r, messages.EncodeData(uint16(block), nil))
	}

	offset := int64(block-1) * int64(s.blockSize)
	if offset != s.cursor {
		if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
			return s.readFailed(block, r, err)
		}
		s.cursor = offset
	}

	n, err := io.ReadFull(s.file, s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return s.readFailed(block, r, err)
	}
	if n < s.blockSize {
		s.done.Store(true)
	}
	s.cursor += int64(n)

	return respond(r, messages.EncodeData(uint16(block), s.buf[:n]))
}

func (s *Session) readFailed(block uint64, r Responder, err error) error {
	// file position is unknown now, force a seek next time
	s.cursor = -1
	rerr := &ReadError{Block: block, Err: err}
	if sendErr := respond(r, messages.EncodeError(messages.ErrNotDefined, err.Error())); sendErr != nil {
		return errors.Join(rerr, sendErr)
	}
	return rerr
}

func (s *Session) Close() error {
	return s.file.Close()
}

func respond(r Responder, frame []byte) error {
	if err := r.Respond(frame); err != nil {
		return fmt.Errorf("responding: %w", err)
	}
	return nil
}

// Ceil is a/b rounded up for non-negative a and positive b.
func Ceil(a, b int64) uint64 {
	return uint64((a + b - 1) / b)
}
