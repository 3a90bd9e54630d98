package session

import "sync"

// dispatcher runs listener callbacks outside the transport lock while keeping
// them in the order they were produced. Callbacks are pushed while the
// transport lock is held and run by whichever goroutine calls flush first;
// a callback that re-enters the transport only queues more work.
type dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (d *dispatcher) push(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *dispatcher) flush() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
