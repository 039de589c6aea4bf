package reqresp

// Step is what a connection does after a role has consumed inbound content
// or after the outbound bytes have been fully sent.
type Step uint8

const (
	// StepAwaitRead keeps the connection open and waits for inbound data only.
	StepAwaitRead Step = iota + 1
	// StepAwaitWrite waits for writability to send outbound data.
	StepAwaitWrite
	// StepFinish ends the exchange and closes the connection.
	StepFinish
)

func (s Step) String() string {
	switch s {
	case StepAwaitRead:
		return "await-read"
	case StepAwaitWrite:
		return "await-write"
	case StepFinish:
		return "finish"
	}
	return "unknown"
}

// Role is the side-specific part of a connection. A Conn drives exactly one
// exchange: one inbound frame and one outbound frame, in an order decided by
// the role.
//
// Role methods are called from the loop goroutine only.
type Role interface {
	// InitialInterest is the interest a new connection is registered with.
	InitialInterest() Interest
	// Outbound returns the frame to send. inbound is the decoded frame
	// received so far, nil if none. Returning ok=false means nothing can be
	// sent yet; Outbound will be asked again on the next writable event.
	Outbound(inbound *Payload) (frame []byte, ok bool, err error)
	// Inbound receives the decoded frame.
	Inbound(p *Payload) (Step, error)
	// Sent is called once the outbound frame has been written completely.
	Sent() Step
	// Closed is called exactly once when the connection is torn down.
	// err is nil for a completed exchange.
	Closed(err error)
}
