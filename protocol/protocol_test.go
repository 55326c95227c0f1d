package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codecs = map[string]Codec{
	"json":   JSONCodec{},
	"binary": BinaryCodec{},
}

func roundTrip(t *testing.T, codec Codec, f *Frame) *Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, codec.Encode(&buf, f))
	decoded, err := codec.Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	return decoded
}

func TestRoundTripAllCommands(t *testing.T) {
	commands := []Command{
		CmdLogin, CmdCreate, CmdSend, CmdRead, CmdDeleteMsg,
		CmdViewConv, CmdDeleteAcc, CmdLogoff, CmdClose, CmdList,
		CmdDeliver, CmdError,
	}
	for name, codec := range codecs {
		for _, cmd := range commands {
			f := &Frame{
				Cmd:      cmd,
				From:     "alice",
				To:       "bob",
				Body:     "hello, world",
				Password: "s3cret",
				Error:    cmd == CmdError,
			}
			assert.Equal(t, f, roundTrip(t, codec, f), "%s codec, cmd %s", name, cmd)
		}
	}
}

func TestRoundTripBoundaryLengths(t *testing.T) {
	for _, bodyLen := range []int{0, 1, 255, 256} {
		f := &Frame{Cmd: CmdSend, To: "bob", Body: strings.Repeat("a", bodyLen)}
		assert.Equal(t, f, roundTrip(t, BinaryCodec{}, f), "body length %d", bodyLen)
	}

	// The 2-byte payload length also covers the flags byte and the three
	// short-string prefixes, so with every other field empty the body tops
	// out 6 bytes short of the payload ceiling.
	f := &Frame{Cmd: CmdSend, Body: strings.Repeat("a", MaxPayloadBytes-6)}
	assert.Equal(t, f, roundTrip(t, BinaryCodec{}, f))

	// One body byte past that boundary no longer fits a frame.
	var buf bytes.Buffer
	err := BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdSend, Body: strings.Repeat("a", MaxPayloadBytes-5)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// Short string boundary for usernames.
	f = &Frame{Cmd: CmdLogin, From: strings.Repeat("u", 255), Password: "pw"}
	assert.Equal(t, f, roundTrip(t, BinaryCodec{}, f))
}

func TestRoundTripEscaping(t *testing.T) {
	// Newlines and quotes in the payload must not break line framing.
	f := &Frame{Cmd: CmdSend, To: "bob", Body: "line one\nline \"two\"\r\n"}
	assert.Equal(t, f, roundTrip(t, JSONCodec{}, f))
	assert.Equal(t, f, roundTrip(t, BinaryCodec{}, f))
}

func TestBinaryEncodeRejectsOversizedFields(t *testing.T) {
	var buf bytes.Buffer
	err := BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdLogin, From: strings.Repeat("u", 256)})
	assert.ErrorIs(t, err, ErrFieldTooLong)

	err = BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdSend, Body: strings.Repeat("a", 65536)})
	assert.ErrorIs(t, err, ErrFieldTooLong)

	// Body fits a long string but the payload as a whole overflows the
	// 2-byte length field once the other fields are added.
	err = BinaryCodec{}.Encode(&buf, &Frame{
		Cmd:  CmdSend,
		From: strings.Repeat("u", 255),
		Body: strings.Repeat("a", 65535),
	})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBinaryDecodeMalformedPayloadIsRecoverable(t *testing.T) {
	// Header promises 3 payload bytes; the short string inside claims 200.
	raw := []byte{byte(CmdLogin), 0x00, 0x03, 0x00, 200, 'x'}
	r := bufio.NewReader(bytes.NewReader(raw))

	_, err := BinaryCodec{}.Decode(r)
	require.Error(t, err)
	assert.True(t, Recoverable(err))

	// The bad payload was fully consumed: the stream stays in sync.
	var buf bytes.Buffer
	require.NoError(t, BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdList, Body: "*"}))
	r = bufio.NewReader(io.MultiReader(bytes.NewReader(raw), &buf))
	_, err = BinaryCodec{}.Decode(r)
	require.Error(t, err)
	f, err := BinaryCodec{}.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, CmdList, f.Cmd)
}

func TestBinaryDecodePrematureCloseIsFatal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdSend, To: "bob", Body: "hi"}))
	full := buf.Bytes()

	for _, cut := range []int{1, 2, len(full) - 1} {
		_, err := BinaryCodec{}.Decode(bufio.NewReader(bytes.NewReader(full[:cut])))
		require.Error(t, err, "cut at %d", cut)
		assert.False(t, Recoverable(err), "cut at %d", cut)
	}
}

func TestBinaryDecodeUnknownCommandCode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, BinaryCodec{}.Encode(&buf, &Frame{Cmd: CmdList, Body: "*"}))
	raw := buf.Bytes()
	raw[0] = 0xEE

	f, err := BinaryCodec{}.Decode(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, CmdUnknown, f.Cmd)
}

func TestJSONDecodeInvalidJSONIsRecoverable(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("{not json}\n"))
	_, err := JSONCodec{}.Decode(r)
	require.Error(t, err)
	assert.True(t, Recoverable(err))
}

func TestJSONDecodeSkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\n\r\n")
	require.NoError(t, JSONCodec{}.Encode(&buf, &Frame{Cmd: CmdList, Body: "*"}))

	f, err := JSONCodec{}.Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, CmdList, f.Cmd)
}

func TestJSONDecodeUnknownCommand(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`{"cmd":"frobnicate","body":"x"}` + "\n"))
	f, err := JSONCodec{}.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, CmdUnknown, f.Cmd)
}

func TestJSONDecodeOversizedLineIsFatal(t *testing.T) {
	long := strings.Repeat("a", MaxLineBytes+1)
	_, err := JSONCodec{}.Decode(bufio.NewReader(strings.NewReader(long)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestJSONDecodeEOFMidLineIsFatal(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`{"cmd":"list"`))
	_, err := JSONCodec{}.Decode(r)
	require.Error(t, err)
	assert.False(t, Recoverable(err))
}

func TestParseCommand(t *testing.T) {
	for cmd, name := range map[Command]string{
		CmdLogin:     "login",
		CmdDeleteMsg: "delete_msg",
		CmdDeleteAcc: "delete",
		CmdDeliver:   "deliver",
	} {
		assert.Equal(t, cmd, ParseCommand(name))
		assert.Equal(t, name, cmd.String())
	}
	assert.Equal(t, CmdUnknown, ParseCommand("nope"))
}
