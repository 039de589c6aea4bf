package reqresp

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// errLoopClosed is returned when submitting to a closed loop.
var errLoopClosed = errors.New("loop closed")

// Loop dispatches readiness events to connections. Everything except
// Submit and Wake must be called from the goroutine running Run, or before
// Run starts.
type Loop struct {
	poller      Poller
	logger      Logger
	pollTimeout time.Duration
	idleTimeout time.Duration

	// exitWhenIdle makes Run return once no connection is registered.
	exitWhenIdle bool

	conns      map[int]*Conn
	registered map[int]Interest
	acceptors  map[int]func() error
	events     []Event

	mu      sync.Mutex
	pending *queue.Queue // *Conn handed over by other goroutines
	closed  bool
}

// NewLoop creates a loop on the platform poller, or on the one set with PollerOption.
func NewLoop(opt ...Option) (*Loop, error) {
	opts := newOptions(opt)
	return newLoop(&opts)
}

func newLoop(opts *options) (*Loop, error) {
	p := opts.poller
	if p == nil {
		var err error
		if p, err = newPoller(); err != nil {
			return nil, err
		}
	}

	return &Loop{
		poller:      p,
		logger:      opts.logger,
		pollTimeout: opts.pollTimeout,
		idleTimeout: opts.idleTimeout,
		conns:       make(map[int]*Conn),
		registered:  make(map[int]Interest),
		acceptors:   make(map[int]func() error),
		events:      make([]Event, defaultMaxEvents),
		pending:     queue.New(),
	}, nil
}

// Len returns the number of registered connections.
func (l *Loop) Len() int {
	return len(l.conns)
}

// Register associates a connection with its socket and initial interest.
func (l *Loop) Register(c *Conn) error {
	fd := c.sock.Fd()
	if _, ok := l.conns[fd]; ok {
		return errors.Errorf("fd %d already registered", fd)
	}
	if err := l.poller.Add(fd, c.interest); err != nil {
		return err
	}
	l.conns[fd] = c
	l.registered[fd] = c.interest

	l.logger.Info("connection established", "addr", c.Addr())
	l.logger.Debug("connection registered", "addr", c.Addr(), "fd", fd, "interest", c.interest)
	return nil
}

// Submit hands a connection over from another goroutine. It is registered
// on the next iteration of Run.
func (l *Loop) Submit(c *Conn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLoopClosed
	}
	l.pending.Add(c)
	l.mu.Unlock()

	// a lost wakeup only delays registration until the poll timeout
	_ = l.poller.Wake()
	return nil
}

// Wake interrupts a blocked poller wait.
func (l *Loop) Wake() error {
	return l.poller.Wake()
}

func (l *Loop) addAcceptor(fd int, accept func() error) error {
	if err := l.poller.Add(fd, InterestRead); err != nil {
		return err
	}
	l.acceptors[fd] = accept
	return nil
}

func (l *Loop) removeAcceptor(fd int) {
	if _, ok := l.acceptors[fd]; !ok {
		return
	}
	delete(l.acceptors, fd)
	if err := l.poller.Remove(fd); err != nil {
		l.logger.Warn("unregister listener failed", "fd", fd, "error", err)
	}
}

func (l *Loop) takePending() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()

	var conns []*Conn
	for l.pending.Length() > 0 {
		conns = append(conns, l.pending.Remove().(*Conn))
	}
	return conns
}

// Run processes readiness events until ctx is done or, with exitWhenIdle,
// no connection remains. Connection failures never end Run.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.poller.Wake() })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, c := range l.takePending() {
			if err := l.Register(c); err != nil {
				l.logger.Error("register connection failed", "addr", c.Addr(), "error", err)
				c.finish(err)
				_ = c.release()
			}
		}

		if l.exitWhenIdle && len(l.conns) == 0 {
			return nil
		}

		n, err := l.poller.Wait(l.events, l.pollTimeout)
		if err != nil {
			return err
		}

		for _, ev := range l.events[:n] {
			if accept, ok := l.acceptors[ev.Fd]; ok {
				if err := accept(); err != nil {
					l.logger.Error("accept error", "error", err)
				}
				continue
			}
			if c, ok := l.conns[ev.Fd]; ok {
				l.dispatch(c, ev)
			}
		}

		if l.idleTimeout > 0 {
			l.sweepIdle(time.Now())
		}
	}
}

// dispatch runs the read handler, then the write handler, inside a failure
// boundary, and applies the interest the connection asks for afterwards.
func (l *Loop) dispatch(c *Conn, ev Event) {
	interest := l.registered[ev.Fd]

	err := l.guard(func() error {
		if ev.Readable && interest&InterestRead != 0 {
			if err := c.onReadable(); err != nil {
				return err
			}
		}
		if ev.Writable && interest&InterestWrite != 0 && !c.closed {
			return c.onWritable()
		}
		return nil
	})
	if err != nil {
		l.logger.Error("connection error", "addr", c.Addr(), "state", c.state, "error", err)
		c.finish(err)
	}

	if c.closed {
		l.release(c)
		return
	}

	if c.interest != interest {
		if err := l.poller.Modify(ev.Fd, c.interest); err != nil {
			l.logger.Error("modify interest failed", "addr", c.Addr(), "error", err)
			c.finish(err)
			l.release(c)
			return
		}
		l.registered[ev.Fd] = c.interest
		l.logger.Debug("interest changed", "addr", c.Addr(), "from", interest, "to", c.interest)
	}
}

// guard turns a panic inside a handler into an error for that connection.
func (l *Loop) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}

func (l *Loop) sweepIdle(now time.Time) {
	for _, c := range l.conns {
		if c.idle(now, l.idleTimeout) {
			c.finish(ErrIdleTimeout)
			l.release(c)
		}
	}
}

// release unregisters the connection and closes its socket.
func (l *Loop) release(c *Conn) {
	fd := c.sock.Fd()
	if _, ok := l.conns[fd]; ok {
		delete(l.conns, fd)
		delete(l.registered, fd)
		if err := l.poller.Remove(fd); err != nil {
			l.logger.Warn("unregister connection failed", "addr", c.Addr(), "error", err)
		}
	}

	if err := c.release(); err != nil {
		l.logger.Debug("close socket failed", "addr", c.Addr(), "error", err)
	}

	if c.err != nil {
		l.logger.Info("connection closed with error", "addr", c.Addr(), "error", c.err)
	} else {
		l.logger.Info("connection closed", "addr", c.Addr())
	}
}

// Close releases every connection, pending or registered, and the poller.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	for _, c := range l.takePending() {
		c.finish(ErrConnectionClosed)
		_ = c.release()
	}
	for _, c := range l.conns {
		c.finish(ErrConnectionClosed)
		l.release(c)
	}
	for fd := range l.acceptors {
		l.removeAcceptor(fd)
	}
	return l.poller.Close()
}
