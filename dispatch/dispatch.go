// Package dispatch runs watch-fired callbacks on per-key mailboxes: all
// callbacks for one key execute in submission order on a single dedicated
// goroutine, never on the submitter's goroutine and never concurrently for
// the same key. Lock waiters and node trackers key their mailboxes by path,
// which preserves per-path event ordering while keeping paths independent.
package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jathurchan/treekeeper/logger"
)

// mailboxDepth bounds how many callbacks may queue per key. Handlers refresh
// a cache or signal a channel; a full mailbox means a handler is stuck, and
// blocking the submitter there is preferable to dropping an event.
const mailboxDepth = 128

// Dispatcher owns the mailbox goroutines. The zero value is not usable;
// create one with New.
type Dispatcher struct {
	log       logger.Logger
	mailboxes *xsync.MapOf[string, *mailbox]
	wg        sync.WaitGroup
	closed    atomic.Bool
}

type mailbox struct {
	ch   chan func()
	quit chan struct{}
}

// New creates a Dispatcher.
func New(log logger.Logger) *Dispatcher {
	return &Dispatcher{
		log:       log.WithComponent("dispatch"),
		mailboxes: xsync.NewMapOf[string, *mailbox](),
	}
}

// Submit enqueues fn on key's mailbox, creating the mailbox on first use.
// It reports false if the dispatcher is closed, in which case fn never runs.
// Callbacks must not block indefinitely and must never call back into a
// blocking lock acquire; they may signal wake channels that acquires wait on.
func (d *Dispatcher) Submit(key string, fn func()) bool {
	if d.closed.Load() {
		return false
	}

	mb, loaded := d.mailboxes.LoadOrCompute(key, func() *mailbox {
		return &mailbox{
			ch:   make(chan func(), mailboxDepth),
			quit: make(chan struct{}),
		}
	})
	if !loaded {
		d.wg.Add(1)
		go d.run(key, mb)
	}

	select {
	case mb.ch <- fn:
		return true
	case <-mb.quit:
		return false
	}
}

// run drains one mailbox. A panicking callback is logged and the mailbox
// keeps serving; one misbehaving subscriber must not silence a path.
func (d *Dispatcher) run(key string, mb *mailbox) {
	defer d.wg.Done()
	for {
		select {
		case fn := <-mb.ch:
			d.invoke(key, fn)
		case <-mb.quit:
			// Drain what was accepted before the mailbox was dropped.
			for {
				select {
				case fn := <-mb.ch:
					d.invoke(key, fn)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) invoke(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("callback panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

// Drop stops the mailbox for key after its queued callbacks finish. Later
// Submits for the key start a fresh mailbox.
func (d *Dispatcher) Drop(key string) {
	if mb, ok := d.mailboxes.LoadAndDelete(key); ok {
		close(mb.quit)
	}
}

// Close stops every mailbox and waits for queued callbacks to finish.
// Submit returns false from then on.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mailboxes.Range(func(key string, mb *mailbox) bool {
		d.mailboxes.Delete(key)
		close(mb.quit)
		return true
	})
	d.wg.Wait()
}
