// Package reqresp implements a one-shot request/response protocol over
// non-blocking, optionally TLS-encrypted TCP streams, driven by a
// single-threaded readiness event loop.
//
// Every frame is a 2-byte big-endian header length, a JSON metadata header
// and the content the header describes. Each connection carries exactly one
// request and one response and is closed afterwards.
package reqresp

import (
	"bytes"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
)

// readState is the position of the inbound parser. Stages are never skipped.
type readState uint8

const (
	awaitingPrefix readState = iota + 1
	awaitingHeader
	awaitingContent
	complete
)

func (s readState) String() string {
	switch s {
	case awaitingPrefix:
		return "awaiting-prefix"
	case awaitingHeader:
		return "awaiting-header"
	case awaitingContent:
		return "awaiting-content"
	case complete:
		return "complete"
	}
	return "unknown"
}

// writeBudget bounds how many bytes one writable event transmits so that a
// large response does not monopolize the loop.
const writeBudget = 4 * maxRecordPayload

// Conn is the per-socket state machine. It owns its socket and both buffers
// and is only ever touched by the loop goroutine through onReadable and
// onWritable.
type Conn struct {
	sock   Socket
	addr   net.Addr
	role   Role
	logger Logger

	maxContentLength int
	chunk            []byte

	recv bytes.Buffer
	send bytes.Buffer

	state     readState
	headerLen int
	header    *Header
	payload   *Payload

	// queued is set once the role produced the outbound frame: the response
	// on a server, the request on a client.
	queued bool
	sent   bool

	interest   Interest
	closed     bool
	released   bool
	err        error
	lastActive time.Time
}

func newConn(sock Socket, role Role, opts *options) *Conn {
	return &Conn{
		sock:             sock,
		addr:             sock.RemoteAddr(),
		role:             role,
		logger:           opts.logger,
		maxContentLength: opts.maxContentLength,
		chunk:            make([]byte, opts.readBufferSize),
		state:            awaitingPrefix,
		interest:         role.InitialInterest(),
		lastActive:       time.Now(),
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.addr
}

// IsClosed returns true once the exchange has ended, successfully or not.
func (c *Conn) IsClosed() bool {
	return c.closed
}

// Err returns why the connection was closed, nil for a completed exchange.
func (c *Conn) Err() error {
	return c.err
}

// Interest is the readiness the connection currently waits for.
func (c *Conn) Interest() Interest {
	return c.interest
}

// onReadable drains the socket and advances the parser by at most one
// attempt per stage.
func (c *Conn) onReadable() error {
	if c.closed {
		return ErrConnectionClosed
	}

	eof, err := c.fill()
	if err != nil {
		return err
	}

	if c.state == awaitingPrefix {
		if n, ok := decodePrefix(&c.recv); ok {
			c.headerLen = n
			c.state = awaitingHeader
		}
	}

	if c.state == awaitingHeader {
		h, ok, err := decodeHeader(&c.recv, c.headerLen)
		if err != nil {
			return err
		}
		if ok {
			if h.ContentLength > c.maxContentLength {
				return errors.Wrapf(ErrMessageTooLarge, "content-length %d exceeds %d", h.ContentLength, c.maxContentLength)
			}
			c.header = h
			c.state = awaitingContent
			c.logger.Debug("header parsed", "addr", c.addr,
				"content_type", h.ContentType, "content_length", h.ContentLength)
		}
	}

	if c.state == awaitingContent {
		p, ok, err := decodeContent(&c.recv, c.header)
		if err != nil {
			return err
		}
		if ok {
			c.payload = p
			c.state = complete
			step, err := c.role.Inbound(p)
			if err != nil {
				return err
			}
			c.apply(step)
		}
	}

	if eof != nil && c.state != complete {
		return errors.WithMessagef(eof, "in state %s", c.state)
	}
	return nil
}

// fill reads until the socket would block. End of stream is returned
// separately so that bytes received together with it are parsed first.
func (c *Conn) fill() (eof, err error) {
	limit := prefixLen + math.MaxUint16 + c.maxContentLength
	for {
		n, rerr := c.sock.Read(c.chunk)
		if n > 0 {
			c.recv.Write(c.chunk[:n])
			c.lastActive = time.Now()
		}
		switch {
		case rerr == nil:
			if n == 0 {
				return nil, nil
			}
		case errors.Is(rerr, ErrWouldBlock):
			return nil, nil
		case errors.Is(rerr, ErrPeerClosed):
			return rerr, nil
		default:
			return nil, errors.Wrap(rerr, "read")
		}
		if c.recv.Len() > limit {
			return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes buffered", c.recv.Len())
		}
	}
}

// onWritable queues the outbound frame if the role can produce it and
// transmits as much of the send buffer as the socket accepts. Write interest
// stays until the socket has flushed everything it accepted.
func (c *Conn) onWritable() error {
	if c.closed {
		return ErrConnectionClosed
	}

	if !c.queued {
		frame, ok, err := c.role.Outbound(c.payload)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c.send.Write(frame)
		c.queued = true
	}

	for budget := writeBudget; c.send.Len() > 0 && budget > 0; {
		n, err := c.sock.Write(c.send.Bytes())
		if n > 0 {
			c.send.Next(n)
			c.lastActive = time.Now()
			budget -= n
		}
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	if c.send.Len() > 0 || c.sent {
		return nil
	}
	// the frame only counts as sent once the socket holds nothing back
	err := c.sock.Flush()
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "flush")
	}
	c.sent = true
	c.apply(c.role.Sent())
	return nil
}

func (c *Conn) apply(step Step) {
	switch step {
	case StepAwaitRead:
		c.interest = InterestRead
	case StepAwaitWrite:
		c.interest = InterestWrite
	case StepFinish:
		c.finish(nil)
	}
}

// finish ends the exchange. The first reason wins.
func (c *Conn) finish(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	c.interest = InterestNone
}

// idle reports whether the connection saw no traffic for timeout.
func (c *Conn) idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(c.lastActive) >= timeout
}

// release closes the socket and reports the outcome to the role. It runs once.
func (c *Conn) release() error {
	if c.released {
		return nil
	}
	c.released = true
	c.finish(ErrConnectionClosed)

	err := c.sock.Close()
	c.role.Closed(c.err)
	return err
}
