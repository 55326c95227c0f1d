package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary wire format: a fixed 3-byte header (1-byte command code, 2-byte
// big-endian payload length) followed by the payload
//
//	flags     1 byte  (bit 0: error)
//	from      short string (1-byte length, max 255)
//	to        short string
//	password  short string
//	body      long string  (2-byte length, max 65535)
//
// The payload length field caps a frame at 65535 payload bytes.
const (
	binaryHeaderSize = 3

	// MaxPayloadBytes is the hard ceiling imposed by the 2-byte length field.
	MaxPayloadBytes = 65535

	maxShortString = 255

	flagError = 1 << 0
)

// BinaryCodec is the length-prefixed wire format.
type BinaryCodec struct{}

func (BinaryCodec) Encode(w io.Writer, f *Frame) error {
	payload := make([]byte, 0, 8+len(f.From)+len(f.To)+len(f.Password)+len(f.Body))

	var flags byte
	if f.Error {
		flags |= flagError
	}
	payload = append(payload, flags)

	var err error
	for _, s := range []string{f.From, f.To, f.Password} {
		if payload, err = appendShortString(payload, s); err != nil {
			return err
		}
	}
	if payload, err = appendLongString(payload, f.Body); err != nil {
		return err
	}
	if len(payload) > MaxPayloadBytes {
		return ErrFrameTooLarge
	}

	buf := make([]byte, binaryHeaderSize, binaryHeaderSize+len(payload))
	buf[0] = byte(f.Cmd)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	buf = append(buf, payload...)

	_, err = w.Write(buf)
	return err
}

func (BinaryCodec) Decode(r *bufio.Reader) (*Frame, error) {
	var header [binaryHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// Premature close mid-header is a framing error, fatal.
		return nil, err
	}
	cmd := Command(header[0])
	payloadLen := int(binary.BigEndian.Uint16(header[1:3]))

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	// The full payload has been consumed, so parse failures below leave
	// the stream in sync and are reported without closing the connection.
	if payloadLen < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	flags := payload[0]
	offset := 1

	f := &Frame{Cmd: cmd, Error: flags&flagError != 0}
	if _, ok := commandNames[cmd]; !ok {
		f.Cmd = CmdUnknown
	}

	var err error
	if f.From, offset, err = readShortString(payload, offset); err != nil {
		return nil, err
	}
	if f.To, offset, err = readShortString(payload, offset); err != nil {
		return nil, err
	}
	if f.Password, offset, err = readShortString(payload, offset); err != nil {
		return nil, err
	}
	if f.Body, offset, err = readLongString(payload, offset); err != nil {
		return nil, err
	}
	if offset != payloadLen {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, payloadLen-offset)
	}
	return f, nil
}

func appendShortString(buf []byte, s string) ([]byte, error) {
	if len(s) > maxShortString {
		return nil, fmt.Errorf("%w: short string of %d bytes", ErrFieldTooLong, len(s))
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...), nil
}

func appendLongString(buf []byte, s string) ([]byte, error) {
	if len(s) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: long string of %d bytes", ErrFieldTooLong, len(s))
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...), nil
}

func readShortString(payload []byte, offset int) (string, int, error) {
	if offset >= len(payload) {
		return "", 0, fmt.Errorf("%w: truncated short string length", ErrMalformedFrame)
	}
	n := int(payload[offset])
	offset++
	if offset+n > len(payload) {
		return "", 0, fmt.Errorf("%w: truncated short string", ErrMalformedFrame)
	}
	return string(payload[offset : offset+n]), offset + n, nil
}

func readLongString(payload []byte, offset int) (string, int, error) {
	if offset+2 > len(payload) {
		return "", 0, fmt.Errorf("%w: truncated long string length", ErrMalformedFrame)
	}
	n := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+n > len(payload) {
		return "", 0, fmt.Errorf("%w: truncated long string", ErrMalformedFrame)
	}
	return string(payload[offset : offset+n]), offset + n, nil
}
