package server

import (
	"errors"
	"fmt"
	"io/fs"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftpd/messages"
)

// ErrSessionDone is returned by SendChunk once the final block went out.
var ErrSessionDone = errors.New("session already done")

// FileErrorKind categorizes failures to open a requested file
type FileErrorKind int

const (
	FileNotFound FileErrorKind = iota
	PermissionDenied
	// PathEscape means the name resolved outside the served root
	PathEscape
	NotRegularFile
	FileOther
)

func (k FileErrorKind) String() string {
	switch k {
	case FileNotFound:
		return "file not found"
	case PermissionDenied:
		return "permission denied"
	case PathEscape:
		return "access outside of root directory"
	case NotRegularFile:
		return "not a regular file"
	default:
		return "cannot open file"
	}
}

// Code is the RFC 1350 error code reported to the client.
func (k FileErrorKind) Code() uint16 {
	switch k {
	case FileNotFound:
		return messages.ErrFileNotFound
	case PermissionDenied, PathEscape, NotRegularFile:
		return messages.ErrAccessViolation
	default:
		return messages.ErrNotDefined
	}
}

type FileError struct {
	Kind FileErrorKind
	Name string
	Err  error
}

func (e *FileError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Name, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func newFileError(name string, err error) *FileError {
	kind := FileOther
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = FileNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	}
	return &FileError{Kind: kind, Name: name, Err: err}
}

// ReadError is a failed read in the middle of a transfer. The session stays usable.
type ReadError struct {
	Block uint64
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading block %d: %v", e.Block, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
