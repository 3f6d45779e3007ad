// Package transport implements the phone wire protocol: inbound frames are a
// 4-byte big-endian length followed by that many payload bytes; outbound
// commands are newline-terminated UTF-8 text lines.
package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

const (
	// HeaderSize is the length prefix size in bytes
	HeaderSize = 4

	// DefaultIdleTimeout is how long a read may go without any bytes arriving
	DefaultIdleTimeout = 10 * time.Second
	// DefaultChunkTimeout is the deadline of each underlying Read, and so the
	// interval at which Running is polled
	DefaultChunkTimeout = 250 * time.Millisecond
	// DefaultMaxPayload bounds the allocation a single header can trigger
	DefaultMaxPayload = 16 << 20
)

// Conn is the subset of net.Conn the reader needs
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReaderConfig tunes blocking behaviour
type ReaderConfig struct {
	// IdleTimeout fails a read with KindTimeout when no byte arrives for this long
	IdleTimeout time.Duration
	// ChunkTimeout bounds each underlying read so Running is polled at least this often
	ChunkTimeout time.Duration
	// MaxPayload rejects larger headers with KindProtocol; 0 disables the check
	MaxPayload uint32
	// Running is polled between chunks; returning false aborts the read
	Running func() bool
}

// Reader reads exact byte counts and framed messages from a connection
type Reader struct {
	conn Conn
	cfg  ReaderConfig
	now  func() time.Time

	header [HeaderSize]byte
}

// NewReader creates a reader, filling zero config fields with defaults
func NewReader(conn Conn, cfg ReaderConfig) *Reader {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.ChunkTimeout > cfg.IdleTimeout {
		cfg.ChunkTimeout = cfg.IdleTimeout
	}
	if cfg.Running == nil {
		cfg.Running = func() bool { return true }
	}
	return &Reader{conn: conn, cfg: cfg, now: time.Now}
}

// ReadExact blocks until exactly n bytes arrive or a structured error occurs.
// Partial reads accumulate; a short read is never returned as success.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := r.readFull("read", buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadMessage reads one length-prefixed payload
func (r *Reader) ReadMessage() ([]byte, error) {
	if err := r.readFull("read header", r.header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(r.header[:])
	if size == 0 {
		return nil, &Error{Kind: KindProtocol, Op: "read header", Err: ErrZeroLength}
	}
	if r.cfg.MaxPayload > 0 && size > r.cfg.MaxPayload {
		return nil, &Error{Kind: KindProtocol, Op: "read header", Got: int(size), Err: ErrFrameTooLarge}
	}

	payload := make([]byte, size)
	if err := r.readFull("read payload", payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Reader) readFull(op string, buf []byte) error {
	want := len(buf)
	got := 0
	lastData := r.now()

	for got < want {
		if !r.cfg.Running() {
			return &Error{Kind: KindAborted, Op: op, Got: got, Want: want, Err: ErrAborted}
		}

		if err := r.conn.SetReadDeadline(r.now().Add(r.cfg.ChunkTimeout)); err != nil {
			return r.classify(op, got, want, err)
		}

		m, err := r.conn.Read(buf[got:])
		got += m
		if got == want {
			return nil
		}
		if m > 0 {
			lastData = r.now()
		}

		switch {
		case err == nil && m == 0:
			return &Error{Kind: KindClosedByPeer, Op: op, Got: got, Want: want, Err: io.ErrUnexpectedEOF}
		case err == nil:
			continue
		case isTimeout(err):
			if r.now().Sub(lastData) >= r.cfg.IdleTimeout {
				return &Error{Kind: KindTimeout, Op: op, Got: got, Want: want, Err: ErrIdle}
			}
			continue
		default:
			return r.classify(op, got, want, err)
		}
	}
	return nil
}

func (r *Reader) classify(op string, got, want int, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Kind: KindClosedByPeer, Op: op, Got: got, Want: want, Err: err}
	case !r.cfg.Running(), errors.Is(err, net.ErrClosed):
		// Closed locally, e.g. forced shutdown closing the socket under us
		return &Error{Kind: KindAborted, Op: op, Got: got, Want: want, Err: err}
	default:
		return &Error{Kind: KindSocket, Op: op, Got: got, Want: want, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
