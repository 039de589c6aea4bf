package reqresp

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by the codec, the connection state machine and the loop.
var (
	// ErrWouldBlock is returned by a Socket when the operation cannot progress
	// until the next readiness notification. It is never fatal.
	ErrWouldBlock = errors.New("operation would block")
	// ErrPeerClosed is returned when the peer ended the stream mid-exchange.
	ErrPeerClosed = errors.New("peer closed")
	// ErrMalformedHeader is returned when a metadata header cannot be decoded
	// or lacks a required key.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrMalformedContent is returned when structured content cannot be decoded.
	ErrMalformedContent = errors.New("malformed content")
	// ErrHeaderTooLarge is returned when an encoded header does not fit the 2-byte prefix.
	ErrHeaderTooLarge = errors.New("header too large")
	// ErrMessageTooLarge is returned when a declared content length exceeds the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrResourceNotFound is returned by a resource lookup that found nothing.
	// The server turns it into a not-found response, never a connection failure.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrIdleTimeout is the close reason of a connection that saw no traffic for the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrPollerUnsupported is returned on platforms without a readiness poller.
	ErrPollerUnsupported = errors.New("readiness poller not supported on this platform")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server closed")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// classifyIOError maps transport failures that mean "the other side is gone"
// onto ErrPeerClosed and keeps everything else as is.
func classifyIOError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(ErrPeerClosed, err.Error())
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return errors.Wrap(ErrPeerClosed, err.Error())
	case errors.Is(err, net.ErrClosed):
		return ErrConnectionClosed
	}
	return err
}
