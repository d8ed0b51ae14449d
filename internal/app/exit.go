package app

// NoExit ignores exit requests. Production firmware has no host to tell.
type NoExit struct{}

// RequestExit implements dispatch.ExitHook.
func (NoExit) RequestExit(int) {}

// ChanExit forwards the first exit status to a channel, the way a debug
// probe reports a semihosting exit to the host.
type ChanExit struct {
	C chan int
}

// NewChanExit creates a ChanExit with a one-slot channel.
func NewChanExit() *ChanExit {
	return &ChanExit{C: make(chan int, 1)}
}

// RequestExit implements dispatch.ExitHook. It never blocks; statuses after
// the first are dropped.
func (e *ChanExit) RequestExit(code int) {
	select {
	case e.C <- code:
	default:
	}
}
