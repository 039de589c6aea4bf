package reqresp

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// maxRecordPayload caps a single application write on a TLS socket to one record.
const maxRecordPayload = 16 * 1024

// Socket is a non-blocking byte stream. Read and Write return ErrWouldBlock
// instead of waiting; Read returns an error wrapping ErrPeerClosed once the
// stream has ended.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Flush pushes out bytes the socket accepted but the kernel did not take
	// yet. It returns ErrWouldBlock while some remain.
	Flush() error
	Close() error
	// Fd is the descriptor registered with the poller.
	Fd() int
	RemoteAddr() net.Addr
}

// wouldBlockError is what the TLS record layer sees from the underlying
// connection when no ciphertext is available. Being a temporary net.Error,
// it leaves the tls.Conn usable for the next read.
type wouldBlockError struct{}

func (wouldBlockError) Error() string        { return ErrWouldBlock.Error() }
func (wouldBlockError) Timeout() bool        { return true }
func (wouldBlockError) Temporary() bool      { return true }
func (wouldBlockError) Is(target error) bool { return target == ErrWouldBlock }

func descriptor(rc syscall.RawConn) (int, error) {
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, errors.Wrap(err, "socket descriptor")
	}
	return fd, nil
}

// tcpSocket is a plaintext Socket over a TCP connection.
type tcpSocket struct {
	conn *net.TCPConn
	rc   syscall.RawConn
	fd   int
}

func newTCPSocket(conn *net.TCPConn) (*tcpSocket, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "syscall conn")
	}
	fd, err := descriptor(rc)
	if err != nil {
		return nil, err
	}
	return &tcpSocket{conn: conn, rc: rc, fd: fd}, nil
}

func (s *tcpSocket) Read(p []byte) (int, error) {
	n, err := nonblockingRead(s.rc, p)
	return n, classifyIOError(err)
}

func (s *tcpSocket) Write(p []byte) (int, error) {
	n, err := nonblockingWrite(s.rc, p)
	return n, classifyIOError(err)
}

func (s *tcpSocket) Flush() error         { return nil }
func (s *tcpSocket) Close() error         { return s.conn.Close() }
func (s *tcpSocket) Fd() int              { return s.fd }
func (s *tcpSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// switchableConn is the net.Conn under a tls.Conn. It behaves like the plain
// TCP connection while the handshake runs and becomes non-blocking afterwards.
// The record layer cannot resume a partially written record, so a
// non-blocking Write always accepts the whole record and keeps what the
// kernel refused in pending until flush.
type switchableConn struct {
	*net.TCPConn
	rc          syscall.RawConn
	nonblocking bool
	pending     bytes.Buffer
}

func (c *switchableConn) Read(p []byte) (int, error) {
	if !c.nonblocking {
		return c.TCPConn.Read(p)
	}
	n, err := nonblockingRead(c.rc, p)
	if errors.Is(err, ErrWouldBlock) {
		return n, wouldBlockError{}
	}
	return n, err
}

func (c *switchableConn) Write(p []byte) (int, error) {
	if !c.nonblocking {
		return c.TCPConn.Write(p)
	}
	if c.pending.Len() > 0 {
		c.pending.Write(p)
		return len(p), nil
	}

	n, err := nonblockingWrite(c.rc, p)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return n, err
	}
	c.pending.Write(p[n:])
	return len(p), nil
}

// flush writes pending ciphertext until the kernel stops accepting it.
func (c *switchableConn) flush() error {
	for c.pending.Len() > 0 {
		n, err := nonblockingWrite(c.rc, c.pending.Bytes())
		c.pending.Next(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// tlsSocket is a Socket over an established TLS session.
type tlsSocket struct {
	tls  *tls.Conn
	conn *switchableConn
	fd   int
}

func (s *tlsSocket) Read(p []byte) (int, error) {
	n, err := s.tls.Read(p)
	if err != nil && errors.Is(err, ErrWouldBlock) {
		return n, ErrWouldBlock
	}
	return n, classifyIOError(err)
}

// Write hands at most one record of plaintext to the TLS layer, and only once
// the ciphertext of the previous record has left.
func (s *tlsSocket) Write(p []byte) (int, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	if len(p) > maxRecordPayload {
		p = p[:maxRecordPayload]
	}
	n, err := s.tls.Write(p)
	return n, classifyIOError(err)
}

func (s *tlsSocket) Flush() error {
	return classifyIOError(s.conn.flush())
}

// Close sends close_notify on a best-effort basis: the alert is written
// without waiting, and whatever the kernel does not take is dropped.
func (s *tlsSocket) Close() error         { return s.tls.Close() }
func (s *tlsSocket) Fd() int              { return s.fd }
func (s *tlsSocket) RemoteAddr() net.Addr { return s.tls.RemoteAddr() }

// ConnectionState exposes the negotiated TLS parameters.
func (s *tlsSocket) ConnectionState() tls.ConnectionState {
	return s.tls.ConnectionState()
}

// handshake turns an accepted or dialed TCP connection into a Socket. With a
// nil config the connection stays plaintext. The TLS handshake runs blocking,
// bounded by timeout, before the socket is switched to non-blocking mode.
func handshake(ctx context.Context, conn *net.TCPConn, config *tls.Config, isServer bool, timeout time.Duration) (Socket, error) {
	_ = conn.SetNoDelay(true)

	if config == nil {
		return newTCPSocket(conn)
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "syscall conn")
	}
	fd, err := descriptor(rc)
	if err != nil {
		return nil, err
	}

	sc := &switchableConn{TCPConn: conn, rc: rc}
	var tc *tls.Conn
	if isServer {
		tc = tls.Server(sc, config)
	} else {
		tc = tls.Client(sc, config)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if err = tc.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	_ = conn.SetDeadline(time.Time{})
	sc.nonblocking = true

	return &tlsSocket{tls: tc, conn: sc, fd: fd}, nil
}
