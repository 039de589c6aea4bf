package reqresp

import (
	"crypto/tls"
	"io/fs"
	"os"
	"time"
)

// Default configuration values.
const (
	// defaultReadBufferSize is the size of a single socket read.
	defaultReadBufferSize = 4096
	// defaultMaxContentLength is the default maximum content size of a single frame (1MB).
	defaultMaxContentLength = 1024 * 1024
	// defaultPollTimeout bounds a single wait of the loop. It is a liveness
	// check, not a request deadline.
	defaultPollTimeout      = time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultMaxHandshakes    = 64
	// defaultMaxEvents is how many readiness events one wait can return.
	defaultMaxEvents = 128
)

// options holds the configuration shared by servers, clients and loops.
type options struct {
	logger    Logger
	tlsConfig *tls.Config
	poller    Poller
	resources fs.FS

	readBufferSize   int           // size of a single socket read
	maxContentLength int           // maximum content size of a single frame
	idleTimeout      time.Duration // close connections without traffic; 0 disables
	pollTimeout      time.Duration // upper bound of one poller wait
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	maxHandshakes    int // concurrent TLS handshakes on the server
}

// Option is a function that configures options.
type Option func(*options)

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.maxContentLength <= 0 {
		opts.maxContentLength = defaultMaxContentLength
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.pollTimeout <= 0 {
		opts.pollTimeout = defaultPollTimeout
	}

	if opts.handshakeTimeout <= 0 {
		opts.handshakeTimeout = defaultHandshakeTimeout
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.maxHandshakes <= 0 {
		opts.maxHandshakes = defaultMaxHandshakes
	}

	if opts.resources == nil {
		opts.resources = os.DirFS(".")
	}
}

func newOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// TLSConfigOption returns an Option that sets the TLS configuration.
// A server config must carry a certificate. A client config is cloned and
// its ServerName defaults to the dialed host.
// Without this option connections are plaintext.
func TLSConfigOption(config *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = config
	}
}

// ReadBufferSizeOption returns an Option that sets the size of a single socket read.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum content length
// accepted in a frame. Larger frames fail the connection with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxContentLength = size
	}
}

// IdleTimeoutOption returns an Option that closes connections which have seen
// no traffic for the given duration. Zero, the default, keeps them open.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// PollTimeoutOption returns an Option that bounds a single poller wait.
func PollTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.pollTimeout = timeout
	}
}

// HandshakeTimeoutOption returns an Option that bounds the TLS handshake.
func HandshakeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// DialTimeoutOption returns an Option that bounds establishing a client connection.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// MaxHandshakesOption returns an Option that limits concurrent server-side
// TLS handshakes. Connections accepted beyond the limit are closed.
func MaxHandshakesOption(n int) Option {
	return func(o *options) {
		o.maxHandshakes = n
	}
}

// ResourceFSOption returns an Option that sets where the server looks up GET resources.
// If not set, the current working directory is used.
func ResourceFSOption(fsys fs.FS) Option {
	return func(o *options) {
		o.resources = fsys
	}
}

// PollerOption returns an Option that sets the readiness poller. The loop
// takes ownership and closes it. If not set, the platform poller is used.
func PollerOption(p Poller) Option {
	return func(o *options) {
		o.poller = p
	}
}
