// Package node keeps a local mirror of a coordination-service node: its data
// payload, server stat and child list, held current through one-shot watches
// that are re-armed after every fire and re-established after reconnection.
// Subscribers are notified of changes on a dispatcher goroutine, never on the
// caller's.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/jathurchan/treekeeper/dispatch"
	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/logger"
	"github.com/jathurchan/treekeeper/retry"
	"github.com/jathurchan/treekeeper/types"
)

// refreshTimeout bounds cache refreshes triggered by watch fires, which run
// without a caller-supplied context.
const refreshTimeout = 10 * time.Second

// ErrSessionUnrecoverable is reported when re-synchronizing after a session
// loss keeps failing and the tracker can no longer mirror the node.
var ErrSessionUnrecoverable = errors.New("session unrecoverable: tracker re-sync failed")

// DataUpdate is delivered to data subscribers whenever the cached value is
// refreshed. A Removed update is terminal: the tracked node was deleted and
// no further updates follow.
type DataUpdate struct {
	Value   []byte
	Stat    types.Stat
	Removed bool
}

// Tracker mirrors one node. Reads are served from the local cache without a
// network round trip; the cache is mutated only by dispatcher callbacks.
type Tracker struct {
	svc     facade.Service
	retrier *retry.Retrier
	disp    *dispatch.Dispatcher
	ownDisp bool
	log     logger.Logger
	path    string

	mu        sync.RWMutex
	value     []byte
	stat      types.Stat
	children  []string
	connected bool
	removed   bool
	failure   error
	dataSubs  []func(DataUpdate)
	childSubs []func([]string)

	quit          chan struct{}
	stopOnce      sync.Once
	sessionCancel func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithDispatcher shares a callback dispatcher between trackers. Without it
// each tracker runs its own.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(t *Tracker) { t.disp = d; t.ownDisp = false }
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Tracker) { t.retrier = retry.New(t.svc, retry.WithPolicy(p)) }
}

// Track starts mirroring path. It fails with facade.ErrNoNode if the path
// does not exist; creating it first is the caller's decision.
func Track(ctx context.Context, svc facade.Service, path string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		svc:     svc,
		log:     logger.NewNoOpLogger(),
		path:    path,
		ownDisp: true,
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retrier == nil {
		t.retrier = retry.New(svc)
	}
	if t.disp == nil {
		t.disp = dispatch.New(t.log)
	}
	t.log = t.log.WithComponent("node").WithPath(path)

	if err := t.refreshData(ctx, false); err != nil {
		t.Stop()
		return nil, err
	}
	if err := t.refreshChildren(ctx, false); err != nil {
		t.Stop()
		return nil, err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	events, cancel := svc.SubscribeSession()
	t.sessionCancel = cancel
	go t.watchSession(events)
	return t, nil
}

// Value returns the cached payload.
func (t *Tracker) Value() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.value)
}

// ValueJSON decodes the cached payload into v. Payloads are plain bytes to
// the tracker; decoding is always the caller's explicit choice.
func (t *Tracker) ValueJSON(v any) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Unmarshal(t.value, v)
}

// Children returns the cached child names.
func (t *Tracker) Children() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.children)
}

// Stat returns the cached server stat.
func (t *Tracker) Stat() types.Stat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stat
}

// LastModified returns the node's last data-write time as reported by the
// server, so all observers agree on ordering regardless of local clocks.
func (t *Tracker) LastModified() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stat.ModifiedTime()
}

// Connected reports whether the mirror is live: false from the moment a
// disconnect is observed until watches have been re-armed and state
// re-fetched after reconnection.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Removed reports whether the tracked node was deleted. The last cached
// value remains readable.
func (t *Tracker) Removed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.removed
}

// Err returns the fatal condition that stopped the tracker, if any.
func (t *Tracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failure
}

// OnData registers a callback invoked on the dispatcher after every data
// refresh. There is no replay: only changes after registration are
// delivered.
func (t *Tracker) OnData(fn func(DataUpdate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataSubs = append(t.dataSubs, fn)
}

// OnChildren registers a callback invoked on the dispatcher after every
// child-list refresh.
func (t *Tracker) OnChildren(fn func([]string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.childSubs = append(t.childSubs, fn)
}

// Set writes a new payload through the facade. The cache updates when the
// resulting watch fires, keeping a single code path for all mutations.
func (t *Tracker) Set(ctx context.Context, data []byte) error {
	return t.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := t.svc.SetData(ctx, t.path, data)
		return err
	})
}

// Stop ends tracking. Cached values remain readable; no further updates or
// notifications are delivered.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
		if t.sessionCancel != nil {
			t.sessionCancel()
		}
		if t.ownDisp {
			t.disp.Close()
		} else {
			t.disp.Drop(t.path)
		}
	})
}

// refreshData fetches the payload with a fresh watch, updates the cache and,
// when notify is set and the version advanced, informs data subscribers.
func (t *Tracker) refreshData(ctx context.Context, notify bool) error {
	var data []byte
	var stat *types.Stat
	var events <-chan types.WatchEvent
	err := t.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		data, stat, events, err = t.svc.GetData(ctx, t.path, true)
		return err
	})
	if errors.Is(err, facade.ErrNoNode) {
		t.markRemoved()
		return err
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	changed := stat.Version != t.stat.Version || stat.Mtime != t.stat.Mtime
	t.value = slices.Clone(data)
	t.stat = *stat
	subs := slices.Clone(t.dataSubs)
	update := DataUpdate{Value: slices.Clone(data), Stat: *stat}
	t.mu.Unlock()

	go t.forward(events, t.handleDataEvent)

	if notify && changed {
		for _, sub := range subs {
			sub(update)
		}
	}
	return nil
}

// refreshChildren fetches the child list with a fresh watch and, when notify
// is set and the list differs, informs children subscribers.
func (t *Tracker) refreshChildren(ctx context.Context, notify bool) error {
	var children []string
	var events <-chan types.WatchEvent
	err := t.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		children, _, events, err = t.svc.GetChildren(ctx, t.path, true)
		return err
	})
	if errors.Is(err, facade.ErrNoNode) {
		t.markRemoved()
		return err
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	changed := !slices.Equal(children, t.children)
	t.children = slices.Clone(children)
	subs := slices.Clone(t.childSubs)
	t.mu.Unlock()

	go t.forward(events, t.handleChildrenEvent)

	if notify && changed {
		for _, sub := range subs {
			sub(slices.Clone(children))
		}
	}
	return nil
}

// forward hands one watch event to the dispatcher, keyed by path so events
// for the same node are delivered in order.
func (t *Tracker) forward(events <-chan types.WatchEvent, handler func(types.WatchEvent)) {
	select {
	case ev, ok := <-events:
		if !ok {
			return
		}
		t.disp.Submit(t.path, func() { handler(ev) })
	case <-t.quit:
	}
}

func (t *Tracker) handleDataEvent(ev types.WatchEvent) {
	switch ev.Type {
	case types.EventDataChanged:
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := t.refreshData(ctx, true); err != nil && !errors.Is(err, facade.ErrNoNode) {
			t.log.Warnw("data refresh failed", "error", err)
		}
	case types.EventNodeDeleted:
		t.markRemoved()
	}
	// Session expiry arrives through session events; the re-sync there
	// rebuilds the whole watch chain.
}

func (t *Tracker) handleChildrenEvent(ev types.WatchEvent) {
	if ev.Type == types.EventNodeDeleted {
		t.markRemoved()
		return
	}
	if ev.Type != types.EventChildrenChanged {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := t.refreshChildren(ctx, true); err != nil && !errors.Is(err, facade.ErrNoNode) {
		t.log.Warnw("children refresh failed", "error", err)
	}
}

// markRemoved flips the tracker into its terminal state and delivers one
// removed notification. Later cache reads keep returning the last value
// instead of failing.
func (t *Tracker) markRemoved() {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	t.removed = true
	subs := slices.Clone(t.dataSubs)
	update := DataUpdate{Value: slices.Clone(t.value), Stat: t.stat, Removed: true}
	t.mu.Unlock()

	t.log.Infow("tracked node removed")
	for _, sub := range subs {
		sub(update)
	}
}

// watchSession mirrors session state into the tracker. Reconnection re-arms
// watches and re-fetches state before Connected turns true again, so changes
// during the outage are never missed.
func (t *Tracker) watchSession(events <-chan types.SessionEvent) {
	for {
		select {
		case ev := <-events:
			switch ev.State {
			case types.StateDisconnected, types.StateExpired:
				t.disp.Submit(t.path, func() {
					t.mu.Lock()
					t.connected = false
					t.mu.Unlock()
				})
			case types.StateConnected:
				t.disp.Submit(t.path, t.resync)
			}
		case <-t.quit:
			return
		}
	}
}

// resync rebuilds the cache and watch chain after an outage.
func (t *Tracker) resync() {
	if t.Removed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := t.resyncOnce(ctx); err != nil {
		if errors.Is(err, facade.ErrNoNode) {
			// Deleted during the outage; markRemoved already ran.
			return
		}
		t.log.Errorw("re-sync failed", "error", err)
		t.mu.Lock()
		t.failure = ErrSessionUnrecoverable
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.connected = true
	t.failure = nil
	t.mu.Unlock()
	t.log.Debugw("re-synchronized after reconnect")
}

func (t *Tracker) resyncOnce(ctx context.Context) error {
	if err := t.refreshData(ctx, true); err != nil {
		return err
	}
	return t.refreshChildren(ctx, true)
}
