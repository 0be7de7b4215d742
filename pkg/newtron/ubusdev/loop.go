// loop.go provides the single-threaded cooperative dispatcher spec.md §5
// requires: timers, bus I/O callbacks, and notification delivery all run
// serialized on one goroutine, suspending only at explicit await points.
// The Bus implementation (busredis.go) delivers callbacks from its own
// goroutines; Loop.Post is how they hop back onto the single event-loop
// goroutine before touching any shadow.
package ubusdev

import "time"

// Loop serializes shadow mutation onto a single goroutine.
type Loop struct {
	work chan func()
	done chan struct{}
}

// NewLoop constructs a Loop. Call Run in its own goroutine, then Post work
// onto it.
func NewLoop() *Loop {
	return &Loop{
		work: make(chan func(), 64),
		done: make(chan struct{}),
	}
}

// Run drains posted work until Stop is called. It is the daemon's single
// event-loop goroutine for this plug-in's state.
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including bus callback goroutines.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
	}
}

// AfterFunc arms a timer that posts fn onto the loop when it fires, rather
// than running fn on the time.AfterFunc goroutine directly. This is how
// DeviceShadow/BridgeShadow/MemberShadow retry timers stay serialized with
// everything else.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Stop ends Run. Pending posted work is discarded.
func (l *Loop) Stop() {
	close(l.done)
}
