package messages

import "fmt"

// MalformedFrameError is returned by Decode for datagrams that cannot be parsed.
type MalformedFrameError struct {
	Opcode Opcode
	Reason string
	Length int
}

func (e *MalformedFrameError) Error() string {
	if e.Opcode == 0 {
		return fmt.Sprintf("malformed frame (%d bytes): %s", e.Length, e.Reason)
	}
	return fmt.Sprintf("malformed %s frame (%d bytes): %s", e.Opcode, e.Length, e.Reason)
}

// UnknownOpcodeError is returned by Decode for opcodes outside RFC 1350.
type UnknownOpcodeError struct {
	Opcode uint16
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode: %d", e.Opcode)
}

// RemoteError is an ERROR frame received from the peer.
type RemoteError struct {
	Code    uint16
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
