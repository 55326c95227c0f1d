package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxLineBytes bounds a single JSON frame including the newline delimiter.
// Oversized input fails the connection instead of being truncated.
const MaxLineBytes = 409600

// JSONCodec frames commands as one JSON object per line. The newline is the
// frame delimiter and can never occur inside a payload because the JSON
// encoding escapes it.
type JSONCodec struct{}

type jsonFrame struct {
	Cmd      string `json:"cmd"`
	From     string `json:"from"`
	To       string `json:"to"`
	Body     string `json:"body"`
	Error    bool   `json:"error"`
	Password string `json:"password,omitempty"`
}

func (JSONCodec) Encode(w io.Writer, f *Frame) error {
	buf, err := json.Marshal(jsonFrame{
		Cmd:      f.Cmd.String(),
		From:     f.From,
		To:       f.To,
		Body:     f.Body,
		Error:    f.Error,
		Password: f.Password,
	})
	if err != nil {
		return err
	}
	if len(buf)+1 > MaxLineBytes {
		return ErrFrameTooLarge
	}
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}

func (JSONCodec) Decode(r *bufio.Reader) (*Frame, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var jf jsonFrame
		if err := json.Unmarshal(line, &jf); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
		}
		return &Frame{
			Cmd:      ParseCommand(jf.Cmd),
			From:     jf.From,
			To:       jf.To,
			Body:     jf.Body,
			Password: jf.Password,
			Error:    jf.Error,
		}, nil
	}
}

// readLine accumulates until the delimiter regardless of the reader's
// internal buffer size, enforcing the frame ceiling along the way.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineBytes {
			return nil, ErrFrameTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		return line, nil
	}
}
