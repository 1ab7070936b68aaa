package watch

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of Trigger calls into one signal on C, sent
// once no call has arrived for the delay. At most one signal is buffered.
type Debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	fire   chan struct{}
	closed bool
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, fire: make(chan struct{}, 1)}
}

// Trigger (re)arms the timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.emit)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *Debouncer) emit() {
	select {
	case d.fire <- struct{}{}:
	default:
	}
}

func (d *Debouncer) C() <-chan struct{} { return d.fire }

func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
