package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jathurchan/treekeeper/logger"
	"github.com/jathurchan/treekeeper/testutil"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(logger.NewNoOpLogger())
	t.Cleanup(d.Close)
	return d
}

func TestSubmitRunsCallback(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan struct{})
	ok := d.Submit("/a", func() { close(done) })
	testutil.AssertTrue(t, ok)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestPerKeyOrdering(t *testing.T) {
	d := newTestDispatcher(t)
	const n = 100
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		d.Submit("/a", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if got[i] != i {
			t.Fatalf("callbacks ran out of order at %d: got %d", i, got[i])
		}
	}
}

func TestKeysRunIndependently(t *testing.T) {
	d := newTestDispatcher(t)
	release := make(chan struct{})
	blocked := make(chan struct{})
	d.Submit("/slow", func() {
		close(blocked)
		<-release
	})
	<-blocked

	done := make(chan struct{})
	d.Submit("/fast", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one key's slow callback stalled another key")
	}
	close(release)
}

func TestSubmitNeverRunsOnCallerGoroutine(t *testing.T) {
	d := newTestDispatcher(t)
	var mu sync.Mutex
	mu.Lock()
	done := make(chan struct{})
	// Deadlocks if Submit invoked the callback inline.
	d.Submit("/a", func() {
		mu.Lock()
		mu.Unlock()
		close(done)
	})
	mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

func TestPanicDoesNotKillMailbox(t *testing.T) {
	d := newTestDispatcher(t)
	d.Submit("/a", func() { panic("boom") })
	done := make(chan struct{})
	d.Submit("/a", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mailbox stopped serving after a panic")
	}
}

func TestDropThenResubmit(t *testing.T) {
	d := newTestDispatcher(t)
	var count atomic.Int32
	done := make(chan struct{})
	d.Submit("/a", func() { count.Add(1); close(done) })
	<-done
	d.Drop("/a")

	done2 := make(chan struct{})
	ok := d.Submit("/a", func() { count.Add(1); close(done2) })
	testutil.AssertTrue(t, ok, "a dropped key must accept new submissions")
	<-done2
	testutil.AssertEqual(t, int32(2), count.Load())
}

func TestCloseWaitsForQueuedCallbacks(t *testing.T) {
	d := New(logger.NewNoOpLogger())
	var count atomic.Int32
	const n = 50
	for i := 0; i < n; i++ {
		d.Submit("/a", func() { count.Add(1) })
	}
	d.Close()
	testutil.AssertEqual(t, int32(n), count.Load(), "Close must wait out the queue")
	testutil.AssertFalse(t, d.Submit("/a", func() {}), "Submit after Close must report false")
}
