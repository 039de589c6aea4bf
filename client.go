package reqresp

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Client performs one-shot exchanges: every request gets its own connection,
// and all connections of a call share one event loop.
type Client struct {
	opts   options
	logger Logger
}

// NewClient creates a client.
func NewClient(opt ...Option) *Client {
	opts := newOptions(opt)
	return &Client{opts: opts, logger: opts.logger}
}

// Result is the outcome of one exchange.
type Result struct {
	Request  Request
	Response *Payload
	Err      error
}

// Do sends req to addr and returns the decoded response.
func (c *Client) Do(ctx context.Context, addr string, req Request) (*Payload, error) {
	results, err := c.DoAll(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	return results[0].Response, results[0].Err
}

// DoAll sends every request over its own connection to addr. Connections are
// established concurrently, then driven by a single loop until none remains.
// A failed exchange is reported in its Result and does not affect the others;
// the returned error is only set when the loop itself fails or ctx ends.
func (c *Client) DoAll(ctx context.Context, addr string, reqs ...Request) ([]Result, error) {
	loop, err := newLoop(&c.opts)
	if err != nil {
		return nil, err
	}
	loop.exitWhenIdle = true

	results := make([]Result, len(reqs))
	roles := make([]*clientRole, len(reqs))
	conns := make([]*Conn, len(reqs))

	var dials errgroup.Group
	for i := range reqs {
		i := i
		results[i].Request = reqs[i]
		roles[i] = &clientRole{request: reqs[i], logger: c.logger}

		dials.Go(func() error {
			sock, err := c.dial(ctx, addr)
			if err != nil {
				results[i].Err = err
				return nil
			}
			roles[i].logger = withPeer(c.logger, sock.RemoteAddr())
			conns[i] = newConn(sock, roles[i], &c.opts)
			return nil
		})
	}
	_ = dials.Wait()

	for i, conn := range conns {
		if conn == nil {
			continue
		}
		if err := loop.Register(conn); err != nil {
			conn.finish(err)
			_ = conn.release()
			results[i].Err = err
			conns[i] = nil
		}
	}

	runErr := loop.Run(ctx)
	_ = loop.Close()

	for i, conn := range conns {
		if conn == nil {
			continue
		}
		results[i].Response, results[i].Err = roles[i].response, roles[i].err
	}
	return results, runErr
}

// dial connects to addr and completes the TLS handshake, verifying the
// server against the dialed host unless the config names another.
func (c *Client) dial(ctx context.Context, addr string) (Socket, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address %q", addr)
	}

	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c.logger.Info("starting connection", "addr", conn.RemoteAddr())

	config := c.opts.tlsConfig
	if config != nil {
		config = config.Clone()
		if config.ServerName == "" {
			config.ServerName = host
		}
	}

	sock, err := handshake(ctx, conn.(*net.TCPConn), config, false, c.opts.handshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sock, nil
}

// clientRole sends its request as soon as the socket is writable, then waits
// for the response and closes.
type clientRole struct {
	request Request
	logger  Logger

	response *Payload
	err      error
}

func (r *clientRole) InitialInterest() Interest {
	return InterestReadWrite
}

func (r *clientRole) Outbound(*Payload) ([]byte, bool, error) {
	body, err := EncodeJSON(r.request, EncodingUTF8)
	if err != nil {
		return nil, false, err
	}
	frame, err := EncodeFrame(body, ContentTypeHTML, EncodingUTF8)
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug("queuing request", "action", r.request.Action)
	return frame, true, nil
}

func (r *clientRole) Inbound(p *Payload) (Step, error) {
	r.response = p
	r.logger.Debug("received response",
		"content_type", p.Header.ContentType, "content_length", p.Header.ContentLength)
	return StepFinish, nil
}

func (r *clientRole) Sent() Step {
	return StepAwaitRead
}

func (r *clientRole) Closed(err error) {
	switch {
	case err != nil:
		r.err = err
	case r.response == nil:
		r.err = errors.Wrap(ErrConnectionClosed, "no response")
	}
}
