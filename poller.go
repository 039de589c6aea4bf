package reqresp

import "time"

// Interest is the set of readiness directions a descriptor is registered for.
type Interest uint8

const (
	// InterestRead asks to be woken when the descriptor is readable.
	InterestRead Interest = 1 << iota
	// InterestWrite asks to be woken when the descriptor is writable.
	InterestWrite

	InterestNone Interest = 0
	// InterestReadWrite is both directions.
	InterestReadWrite = InterestRead | InterestWrite
)

func (i Interest) String() string {
	switch i {
	case InterestNone:
		return "none"
	case InterestRead:
		return "r"
	case InterestWrite:
		return "w"
	case InterestReadWrite:
		return "rw"
	}
	return "invalid"
}

// Event is one readiness notification. Error and hang-up conditions are
// reported as both readable and writable so that the handlers observe them.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller is the readiness demultiplexer the loop is built on.
// It is used from the loop goroutine only, except Wake which may be called
// from any goroutine.
type Poller interface {
	// Add registers fd with the given interest.
	Add(fd int, interest Interest) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, interest Interest) error
	// Remove unregisters fd.
	Remove(fd int) error
	// Wait blocks until at least one registered fd is ready, Wake is called or
	// the timeout elapses. A negative timeout blocks indefinitely.
	Wait(events []Event, timeout time.Duration) (int, error)
	// Wake interrupts a blocked Wait.
	Wake() error
	// Close releases the poller.
	Close() error
}

// timeoutMillis converts a poll timeout to the millisecond argument of
// epoll_wait(2)/poll(2), rounding sub-millisecond waits up.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return int(ms)
}
