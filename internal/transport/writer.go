package transport

import (
	"encoding/binary"
	"io"
	"strings"
)

// CommandTerminator ends every outbound command line
const CommandTerminator = "\n"

// WriteCommand sends a text command, appending the terminator when missing
func WriteCommand(w io.Writer, text string) error {
	if !strings.HasSuffix(text, CommandTerminator) {
		text += CommandTerminator
	}
	if _, err := io.WriteString(w, text); err != nil {
		return &Error{Kind: KindSocket, Op: "write command", Err: err}
	}
	return nil
}

// WriteMessage frames payload with its big-endian length. Used by the phone
// emulator and tests; the desktop side only reads frames.
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return &Error{Kind: KindProtocol, Op: "write message", Err: ErrZeroLength}
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return &Error{Kind: KindSocket, Op: "write message", Err: err}
	}
	return nil
}
