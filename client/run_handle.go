package client

import "sync"

// RunHandle represents the eventual completion of one worker run: a clean
// stop, a subscriber error, or a fatal condition. It settles exactly once.
type RunHandle struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newRunHandle() *RunHandle {
	return &RunHandle{done: make(chan struct{})}
}

func (h *RunHandle) settle(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the run finishes.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal outcome without blocking. It is nil while the
// run is still going.
func (h *RunHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the run finishes and returns its outcome.
func (h *RunHandle) Wait() error {
	<-h.done
	return h.err
}
