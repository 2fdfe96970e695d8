//go:build !linux

package dpu

import (
	"sync"
	"time"
)

// eventNotifier is the channel based notifier used where eventfd is not
// available. It keeps the one-shot arm semantics of the Linux notifier.
type eventNotifier struct {
	ready   chan struct{}
	pending int
	mu      sync.Mutex
	armed   bool
	closed  bool
}

func newEventNotifier() (*eventNotifier, error) {
	return &eventNotifier{ready: make(chan struct{}, 1)}, nil
}

func (n *eventNotifier) Arm() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNotifierClosed
	}

	n.armed = true
	if n.pending > 0 {
		n.fire()
	}

	return nil
}

func (n *eventNotifier) Clear() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNotifierClosed
	}

	n.pending = 0

	return nil
}

func (n *eventNotifier) Wait(timeout time.Duration) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNotifierClosed
	}
	n.mu.Unlock()

	if timeout < 0 {
		<-n.ready
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-n.ready:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

func (n *eventNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closed = true

	return nil
}

// fire must be called with mu held.
func (n *eventNotifier) fire() {
	n.armed = false

	select {
	case n.ready <- struct{}{}:
	default:
	}
}

func (n *eventNotifier) signal() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	n.pending++
	if n.armed {
		n.fire()
	}
}

func (n *eventNotifier) signalAfter(d time.Duration) {
	if d <= 0 {
		n.signal()
		return
	}

	time.AfterFunc(d, n.signal)
}
