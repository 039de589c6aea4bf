package reqresp

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Server accepts connections and answers one request on each.
type Server struct {
	listener *net.TCPListener
	rc       syscall.RawConn
	fd       int
	logger   Logger
	opts     options

	responder *Responder

	mu       sync.Mutex
	shutdown bool
	serving  bool
	cancel   context.CancelFunc
}

// New creates a new server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opt ...Option) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	rc, err := listener.SyscallConn()
	if err != nil {
		_ = listener.Close()
		return nil, errors.Wrap(err, "listener syscall conn")
	}
	fd, err := descriptor(rc)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	opts := newOptions(opt)
	return &Server{
		listener:  listener,
		rc:        rc,
		fd:        fd,
		logger:    opts.logger,
		opts:      opts,
		responder: NewResponder(opts.resources),
	}, nil
}

// Serve runs the event loop: it accepts connections, completes their TLS
// handshakes off the loop and drives every exchange to completion.
// It blocks until the context is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.serving = true
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer s.listener.Close()

	loop, err := newLoop(&s.opts)
	if err != nil {
		return err
	}
	defer loop.Close()

	var handshakes errgroup.Group
	handshakes.SetLimit(s.opts.maxHandshakes)
	defer func() {
		_ = handshakes.Wait()
	}()

	if err = loop.addAcceptor(s.fd, func() error {
		return s.accept(ctx, loop, &handshakes)
	}); err != nil {
		return err
	}

	s.logger.Info("server started", "addr", s.listener.Addr(), "tls", s.opts.tlsConfig != nil)
	err = loop.Run(ctx)
	cancel()
	s.logger.Info("server stopped", "addr", s.listener.Addr())

	s.mu.Lock()
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	return err
}

// accept takes one connection off the backlog and starts its handshake.
// A readiness event that finds the backlog empty is not an error.
func (s *Server) accept(ctx context.Context, loop *Loop, handshakes *errgroup.Group) error {
	conn, err := acceptConn(s.rc)
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}

	remote := conn.RemoteAddr()
	s.logger.Debug("accepted connection", "remote_addr", remote)

	started := handshakes.TryGo(func() error {
		sock, err := handshake(ctx, conn, s.opts.tlsConfig, true, s.opts.handshakeTimeout)
		if err != nil {
			s.logger.Warn("handshake failed", "remote_addr", remote, "error", err)
			_ = conn.Close()
			return nil
		}

		c := newConn(sock, &serverRole{responder: s.responder, logger: withPeer(s.logger, remote)}, &s.opts)
		if err = loop.Submit(c); err != nil {
			_ = sock.Close()
		}
		return nil
	})
	if !started {
		s.logger.Warn("too many pending handshakes, dropping connection", "remote_addr", remote)
		_ = conn.Close()
	}
	return nil
}

// Close stops the server. A running Serve returns ErrServerClosed after
// closing every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	serving, cancel := s.serving, s.cancel
	s.mu.Unlock()

	if serving {
		cancel()
		return nil
	}
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// serverRole waits for a request, then writes the response and closes.
type serverRole struct {
	responder *Responder
	logger    Logger
}

func (r *serverRole) InitialInterest() Interest {
	return InterestRead
}

func (r *serverRole) Inbound(p *Payload) (Step, error) {
	r.logger.Debug("received request",
		"content_type", p.Header.ContentType, "content_length", p.Header.ContentLength)
	return StepAwaitWrite, nil
}

func (r *serverRole) Outbound(inbound *Payload) ([]byte, bool, error) {
	if inbound == nil {
		return nil, false, nil
	}

	content, err := r.responder.Respond(inbound)
	if err != nil {
		return nil, false, err
	}
	body, err := EncodeJSON(content, EncodingUTF8)
	if err != nil {
		return nil, false, err
	}
	frame, err := EncodeFrame(body, ContentTypeHTML, EncodingUTF8)
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

func (r *serverRole) Sent() Step {
	return StepFinish
}

func (r *serverRole) Closed(error) {}
