package protocol

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrFrameTooLarge is fatal to the connection: the peer sent more than
	// the codec is willing to buffer for a single frame.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame marks a frame that was fully consumed from the
	// stream but could not be parsed. The stream itself is still in sync,
	// so the connection may keep going after reporting the error.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFieldTooLong is returned by Encode when a field does not fit the
	// wire representation of the chosen codec.
	ErrFieldTooLong = errors.New("field exceeds encodable length")
)

// Recoverable reports whether a decode error leaves the stream usable.
// Framing errors (premature close, oversize, broken header) are fatal;
// a malformed payload is reported to the client and the session continues.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}

// Command identifies one protocol operation. The numeric values are the
// binary wire codes; the string forms are the JSON wire names.
type Command uint8

const (
	CmdUnknown   Command = 0
	CmdLogin     Command = 1
	CmdCreate    Command = 2
	CmdSend      Command = 3
	CmdRead      Command = 4
	CmdDeleteMsg Command = 5
	CmdViewConv  Command = 6
	CmdDeleteAcc Command = 7
	CmdLogoff    Command = 8
	CmdClose     Command = 9
	CmdList      Command = 10
	CmdDeliver   Command = 11
	CmdError     Command = 12
)

var commandNames = map[Command]string{
	CmdLogin:     "login",
	CmdCreate:    "create",
	CmdSend:      "send",
	CmdRead:      "read",
	CmdDeleteMsg: "delete_msg",
	CmdViewConv:  "view_conv",
	CmdDeleteAcc: "delete",
	CmdLogoff:    "logoff",
	CmdClose:     "close",
	CmdList:      "list",
	CmdDeliver:   "deliver",
	CmdError:     "error",
}

var commandCodes = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		m[name] = c
	}
	return m
}()

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCommand maps a wire name to its Command. Unknown names come back as
// CmdUnknown so the dispatcher can answer with a protocol error instead of
// dropping the connection.
func ParseCommand(name string) Command {
	if c, ok := commandCodes[name]; ok {
		return c
	}
	return CmdUnknown
}

// Frame is one complete protocol unit: a request, a response, or an
// unsolicited deliver event. Responses echo the Cmd of the request they
// answer and set Error when the command failed.
type Frame struct {
	Cmd      Command
	From     string
	To       string
	Body     string
	Password string
	Error    bool
}

// Codec turns a byte stream into frames and back. Both implementations
// satisfy Decode(Encode(f)) == f for every frame representable in the
// chosen encoding.
//
// Decode blocks until a complete frame has been read; partial reads
// accumulate and are never treated as frame boundaries. A connection that
// closes mid-frame yields the underlying read error.
type Codec interface {
	Encode(w io.Writer, f *Frame) error
	Decode(r *bufio.Reader) (*Frame, error)
}

// NewCodec returns the codec for a configured wire format name.
func NewCodec(format string) (Codec, error) {
	switch format {
	case "json", "":
		return JSONCodec{}, nil
	case "binary":
		return BinaryCodec{}, nil
	}
	return nil, errors.New("unknown wire format: " + format)
}
