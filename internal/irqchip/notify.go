package irqchip

import "sync"

// Notifier delivers a device's output effects (line levels, messages) one
// at a time, in the order they were queued.
//
// A device queues effects while still holding its own lock, so the queue
// order is the order of the state changes, and calls Drain after unlocking.
// Whichever caller finds the queue idle delivers everything queued until it
// is empty, including effects queued meanwhile by other goroutines. A line
// or sink that calls back into the device only queues; the outer Drain
// delivers what it added.
type Notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// Queue appends effects for the next Drain.
func (n *Notifier) Queue(fns ...func()) {
	if len(fns) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, fns...)
	n.mu.Unlock()
}

// Drain delivers queued effects unless another call is already doing so.
func (n *Notifier) Drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		n.mu.Lock()
	}
	n.draining = false
	n.mu.Unlock()
}
