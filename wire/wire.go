// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the length-prefixed framing used by the
// distribution protocol: each frame is a 4-byte big-endian payload length
// followed by that many payload bytes. A frame with length zero is a
// keepalive tick.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameLen is the maximum payload length accepted for a single frame.
// A peer announcing a longer frame is treated as a protocol error.
const MaxFrameLen = 8 << 20

// ErrFrameTooBig is reported when a frame header announces a payload longer
// than [MaxFrameLen].
var ErrFrameTooBig = errors.New("frame exceeds maximum length")

// A Conn frames messages over an underlying reliable byte stream.
//
// A Conn is not safe for concurrent use. The read and write sides maintain
// independent state, so one reader and one writer may operate concurrently.
type Conn struct {
	rwc io.ReadWriteCloser

	buf  []byte // accumulated unparsed input
	want int    // total frame size currently needed, 0 if no header yet
}

// NewConn constructs a [Conn] framing messages over rwc.
func NewConn(rwc io.ReadWriteCloser) *Conn { return &Conn{rwc: rwc} }

// ReadFrame blocks until one complete frame is available and returns its
// payload. A keepalive tick is returned as an empty payload with no error.
// The returned slice is valid until the next read call on c.
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		payload, ok, err := c.extract()
		if err != nil {
			return nil, err
		} else if ok {
			return payload, nil
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// PollFrame performs at most one read on the underlying stream and reports a
// complete frame if one is available. If no complete frame has arrived yet,
// it returns ok == false with a nil error; a read timeout on the underlying
// stream is treated the same way. Partial input is buffered across calls.
func (c *Conn) PollFrame() (payload []byte, ok bool, _ error) {
	payload, ok, err := c.extract()
	if err != nil || ok {
		return payload, ok, err
	}
	if err := c.fill(); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}
	return c.extract()
}

// extract removes one complete frame from the input buffer, if available.
func (c *Conn) extract() ([]byte, bool, error) {
	if c.want == 0 {
		if len(c.buf) < 4 {
			return nil, false, nil
		}
		n := binary.BigEndian.Uint32(c.buf)
		if n > MaxFrameLen {
			return nil, false, fmt.Errorf("frame of %d bytes: %w", n, ErrFrameTooBig)
		}
		c.want = 4 + int(n)
	}
	if len(c.buf) < c.want {
		return nil, false, nil
	}
	payload := c.buf[4:c.want]
	c.buf = c.buf[c.want:]
	c.want = 0
	return payload, true, nil
}

// fill performs a single read from the underlying stream into the buffer.
func (c *Conn) fill() error {
	var tmp [4096]byte
	n, err := c.rwc.Read(tmp[:])
	if n > 0 {
		c.buf = append(c.buf, tmp[:n]...)
		return nil // defer the error until the buffered input is consumed
	}
	return err
}

// WriteFrame writes one frame carrying the given payload.
func (c *Conn) WriteFrame(payload []byte) error {
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	_, err := c.rwc.Write(append(buf, payload...))
	return err
}

// WriteTick writes a keepalive tick (an empty frame).
func (c *Conn) WriteTick() error { return c.WriteFrame(nil) }

// SetReadDeadline sets the read deadline on the underlying stream, if it
// supports deadlines. Streams without deadline support silently ignore it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if d, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

// Buffered reports the number of unconsumed input bytes held by c.
func (c *Conn) Buffered() int { return len(c.buf) }

// Close closes the underlying stream.
func (c *Conn) Close() error { return c.rwc.Close() }
