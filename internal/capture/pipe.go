package capture

import (
	"fmt"
	"io"
)

// messages larger than this are considered a protocol violation.
const maxMessageSize = 16 * 1024 * 1024

func readMessage(r io.Reader) ([]byte, error) {
	buf := make([]byte, 4)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	le := int(buf[3])<<24 | int(buf[2])<<16 | int(buf[1])<<8 | int(buf[0])
	if le == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if le > maxMessageSize {
		return nil, fmt.Errorf("message size (%d) exceeds maximum allowed (%d)", le, maxMessageSize)
	}

	buf = make([]byte, le)
	_, err = io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

func writeMessage(w io.Writer, byts []byte) error {
	le := len(byts)
	buf := make([]byte, 4+le)
	buf[0] = byte(le)
	buf[1] = byte(le >> 8)
	buf[2] = byte(le >> 16)
	buf[3] = byte(le >> 24)
	copy(buf[4:], byts)

	_, err := w.Write(buf)
	return err
}
