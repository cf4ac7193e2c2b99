package messages

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// BlockSize is the fixed data block size of RFC 1350.
const BlockSize = 512

// HeaderSize is the opcode plus block number preamble of a DATA frame.
const HeaderSize = 4

type Opcode uint16

// message types
const (
	OpReadRequest  Opcode = 1
	OpWriteRequest Opcode = 2
	OpData         Opcode = 3
	OpAck          Opcode = 4
	OpError        Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpReadRequest:
		return "RRQ"
	case OpWriteRequest:
		return "WRQ"
	case OpData:
		return "DATA"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// error codes
const (
	ErrNotDefined        uint16 = 0
	ErrFileNotFound      uint16 = 1
	ErrAccessViolation   uint16 = 2
	ErrDiskFull          uint16 = 3
	ErrIllegalOperation  uint16 = 4
	ErrUnknownTransferID uint16 = 5
	ErrFileExists        uint16 = 6
	ErrNoSuchUser        uint16 = 7
)

// Message is one decoded frame.
type Message interface {
	Opcode() Opcode
	Encode() []byte
}

type ReadRequest struct {
	Filename string
	Mode     string
	// Options holds RFC 2347 name/value pairs. They are parsed but never negotiated.
	Options map[string]string
}

type WriteRequest struct {
	Filename string
	Mode     string
	Options  map[string]string
}

type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

type Error struct {
	Code    uint16
	Message string
}

func (ReadRequest) Opcode() Opcode  { return OpReadRequest }
func (WriteRequest) Opcode() Opcode { return OpWriteRequest }
func (Data) Opcode() Opcode         { return OpData }
func (Ack) Opcode() Opcode          { return OpAck }
func (Error) Opcode() Opcode        { return OpError }

func (m ReadRequest) Encode() []byte {
	return encodeRequest(OpReadRequest, m.Filename, m.Mode, m.Options)
}

func (m WriteRequest) Encode() []byte {
	return encodeRequest(OpWriteRequest, m.Filename, m.Mode, m.Options)
}

func (m Data) Encode() []byte  { return EncodeData(m.Block, m.Payload) }
func (m Ack) Encode() []byte   { return EncodeAck(m.Block) }
func (m Error) Encode() []byte { return EncodeError(m.Code, m.Message) }

// EncodeData builds a DATA frame. payload is copied.
func EncodeData(block uint16, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(b[0:2], uint16(OpData))
	binary.BigEndian.PutUint16(b[2:4], block)
	copy(b[HeaderSize:], payload)
	return b
}

// EncodeError builds an ERROR frame with a NUL terminated message.
func EncodeError(code uint16, message string) []byte {
	b := make([]byte, 4, 4+len(message)+1)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpError))
	binary.BigEndian.PutUint16(b[2:4], code)
	b = append(b, message...)
	return append(b, 0)
}

// EncodeAck builds an ACK frame. The server only decodes these; the client sends them.
func EncodeAck(block uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(OpAck))
	binary.BigEndian.PutUint16(b[2:4], block)
	return b
}

// EncodeReadRequest builds an RRQ frame without options.
func EncodeReadRequest(filename, mode string) []byte {
	return encodeRequest(OpReadRequest, filename, mode, nil)
}

func encodeRequest(op Opcode, filename, mode string, options map[string]string) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(op))
	buf.WriteString(filename)
	buf.WriteByte(0)
	buf.WriteString(mode)
	buf.WriteByte(0)
	for name, value := range options {
		buf.WriteString(name)
		buf.WriteByte(0)
		buf.WriteString(value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Decode parses one datagram. It never panics on short or garbage input.
func Decode(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, &MalformedFrameError{Reason: "frame too short for an opcode", Length: len(data)}
	}
	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	payload := data[2:]

	switch op {
	case OpReadRequest:
		filename, mode, options, err := parseRequest(op, payload)
		if err != nil {
			return nil, err
		}
		return ReadRequest{Filename: filename, Mode: mode, Options: options}, nil

	case OpWriteRequest:
		filename, mode, options, err := parseRequest(op, payload)
		if err != nil {
			return nil, err
		}
		return WriteRequest{Filename: filename, Mode: mode, Options: options}, nil

	case OpData:
		if len(payload) < 2 {
			return nil, &MalformedFrameError{Opcode: op, Reason: "missing block number", Length: len(data)}
		}
		d := Data{Block: binary.BigEndian.Uint16(payload[0:2])}
		d.Payload = append([]byte{}, payload[2:]...)
		return d, nil

	case OpAck:
		if len(payload) < 2 {
			return nil, &MalformedFrameError{Opcode: op, Reason: "missing block number", Length: len(data)}
		}
		return Ack{Block: binary.BigEndian.Uint16(payload[0:2])}, nil

	case OpError:
		if len(payload) < 2 {
			return nil, &MalformedFrameError{Opcode: op, Reason: "missing error code", Length: len(data)}
		}
		msg, _, _ := cutField(payload[2:])
		return Error{Code: binary.BigEndian.Uint16(payload[0:2]), Message: string(msg)}, nil

	default:
		return nil, &UnknownOpcodeError{Opcode: uint16(op)}
	}
}

// parseRequest reads "filename\0mode[\0][name\0value\0...]". The mode may run to the
// end of the buffer without a terminator.
func parseRequest(op Opcode, payload []byte) (filename, mode string, options map[string]string, err error) {
	name, rest, ok := cutField(payload)
	if !ok {
		return "", "", nil, &MalformedFrameError{Opcode: op, Reason: "filename not NUL terminated", Length: len(payload) + 2}
	}
	if len(name) == 0 {
		return "", "", nil, &MalformedFrameError{Opcode: op, Reason: "empty filename", Length: len(payload) + 2}
	}
	if !utf8.Valid(name) {
		return "", "", nil, &MalformedFrameError{Opcode: op, Reason: "filename is not valid UTF-8", Length: len(payload) + 2}
	}
	m, rest, _ := cutField(rest)
	if !utf8.Valid(m) {
		return "", "", nil, &MalformedFrameError{Opcode: op, Reason: "mode is not valid UTF-8", Length: len(payload) + 2}
	}

	for len(rest) > 0 {
		var key, value []byte
		key, rest, _ = cutField(rest)
		value, rest, _ = cutField(rest)
		if len(key) == 0 || !utf8.Valid(key) || !utf8.Valid(value) {
			// trailing garbage after the mode does not invalidate the request
			break
		}
		if options == nil {
			options = make(map[string]string)
		}
		options[strings.ToLower(string(key))] = string(value)
	}
	return string(name), string(m), options, nil
}

// cutField splits b at the first NUL. ok reports whether a terminator was found;
// without one the whole of b is the field.
func cutField(b []byte) (field, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return b, nil, false
	}
	return b[:i], b[i+1:], true
}
