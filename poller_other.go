//go:build !unix

package reqresp

func newPoller() (Poller, error) {
	return nil, ErrPollerUnsupported
}
