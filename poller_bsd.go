//go:build unix && !linux

package reqresp

func newPoller() (Poller, error) {
	return newPollPoller()
}
