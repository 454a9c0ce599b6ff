// Package transport carries protocol operations over stream connections.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cory-johannsen/botswarm/internal/protocol"
)

const readChunk = 4096

// Conn frames Operations over a network connection with one Codec.
// ReadOperation must be called from a single goroutine; WriteOperation is
// safe for concurrent use.
type Conn struct {
	raw   net.Conn
	codec protocol.Codec

	buf   []byte
	chunk []byte

	mu           sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw so operations are encoded and decoded by codec.
//
// Precondition: raw must be an open connection; codec must be fresh for it.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, codec protocol.Codec, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		codec:        codec,
		chunk:        make([]byte, readChunk),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Codec returns the connection's codec.
func (c *Conn) Codec() protocol.Codec { return c.codec }

// Rebind switches the connection to codec, keeping any bytes already
// buffered. Servers use it once the handshake names the client's version.
//
// Precondition: no read or write is in progress.
func (c *Conn) Rebind(codec protocol.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec = codec
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() string { return c.raw.LocalAddr().String() }

// SetReadTimeout changes the silence allowed between reads. Zero disables it.
func (c *Conn) SetReadTimeout(d time.Duration) { c.readTimeout = d }

// ReadOperation blocks until one complete operation has been decoded.
//
// Postcondition: Returns the operation, a codec error for malformed input, a
// timeout error after readTimeout of silence, or the underlying read error
// (io.EOF when the peer closed between frames).
func (c *Conn) ReadOperation() (protocol.Operation, error) {
	for {
		if len(c.buf) > 0 {
			op, n, err := c.codec.Decode(c.buf)
			if err == nil {
				c.buf = append(c.buf[:0], c.buf[n:]...)
				return op, nil
			}
			if !errors.Is(err, protocol.ErrNeedMoreData) {
				return nil, err
			}
		}

		if c.readTimeout > 0 {
			_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		n, err := c.raw.Read(c.chunk)
		c.buf = append(c.buf, c.chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// WriteOperation encodes op and writes the frame.
//
// Postcondition: Returns nil once the whole frame is written, an
// EncodingError, or the write error.
func (c *Conn) WriteOperation(op protocol.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, err := c.codec.Encode(op)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", op.Kind(), err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once; only
// the first call closes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err comes from using a closed connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
