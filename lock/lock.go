// Package lock implements distributed locks on top of a watch-capable
// coordination service: an exclusive lock plus shared read/write locks, all
// revocable.
//
// Each acquire creates a sequential, ephemeral node under the lock path and
// derives its rank from the service-assigned sequence number: an exclusive or
// write request is granted once no request with a lower sequence remains, a
// read request once no write or exclusive request with a lower sequence
// remains. Waiters watch the next-lower blocking sibling and re-evaluate
// against a fresh children listing on every wake. Revocation is signaled by
// writing into a request's backing node; holders observe it through a data
// watch on their own node.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jathurchan/treekeeper/clock"
	"github.com/jathurchan/treekeeper/dispatch"
	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/logger"
	"github.com/jathurchan/treekeeper/retry"
	"github.com/jathurchan/treekeeper/types"
)

const (
	// cleanupTimeout bounds best-effort node deletions that run without a
	// caller-supplied context (abandoned waits, Close).
	cleanupTimeout = 5 * time.Second
)

// Lock is a single client's handle on one lock path. A handle owns at most
// one backing node at a time; acquiring again while pending or acquired is
// caller misuse. All methods are safe for concurrent use.
type Lock struct {
	svc      facade.Service
	retrier  *retry.Retrier
	disp     *dispatch.Dispatcher
	ownDisp  bool
	clk      clock.Clock
	log      logger.Logger
	metrics  Metrics
	mode     types.LockMode
	path     string
	clientID string

	mu          sync.Mutex
	status      types.LockStatus
	token       string
	nodePath    string
	revoked     bool
	sessionLost bool
	wake        chan struct{}

	quit          chan struct{}
	closeOnce     sync.Once
	sessionCancel func()
}

// Option configures a lock handle.
type Option func(*Lock)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(lk *Lock) { lk.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(lk *Lock) { lk.metrics = m }
}

// WithDispatcher shares a callback dispatcher between handles. Without it
// each handle runs its own.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(lk *Lock) { lk.disp = d; lk.ownDisp = false }
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(lk *Lock) { lk.retrier = retry.New(lk.svc, retry.WithPolicy(p)) }
}

// WithClock overrides the clock, typically for tests.
func WithClock(c clock.Clock) Option {
	return func(lk *Lock) { lk.clk = c }
}

// WithClientID sets the client identifier used in logs. Defaults to a random
// UUID.
func WithClientID(id string) Option {
	return func(lk *Lock) { lk.clientID = id }
}

// NewLock creates an exclusive lock handle for the given lock path.
func NewLock(svc facade.Service, path string, opts ...Option) *Lock {
	return newLock(svc, path, types.ModeExclusive, opts)
}

// NewReadLock creates a shared read lock handle: granted while no
// lower-sequence write or exclusive request exists.
func NewReadLock(svc facade.Service, path string, opts ...Option) *Lock {
	return newLock(svc, path, types.ModeRead, opts)
}

// NewWriteLock creates a shared write lock handle: granted only once it is
// the lowest-sequence request of any mode.
func NewWriteLock(svc facade.Service, path string, opts ...Option) *Lock {
	return newLock(svc, path, types.ModeWrite, opts)
}

func newLock(svc facade.Service, path string, mode types.LockMode, opts []Option) *Lock {
	l := &Lock{
		svc:      svc,
		clk:      clock.New(),
		log:      logger.NewNoOpLogger(),
		metrics:  NewNoOpMetrics(),
		mode:     mode,
		path:     strings.TrimRight(path, "/"),
		clientID: uuid.NewString(),
		ownDisp:  true,
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retrier == nil {
		l.retrier = retry.New(svc)
	}
	if l.disp == nil {
		l.disp = dispatch.New(l.log)
	}
	l.log = l.log.WithComponent("lock").WithPath(l.path).With("client", l.clientID)

	events, cancel := svc.SubscribeSession()
	l.sessionCancel = cancel
	go l.watchSession(events)
	return l
}

// Mode returns the handle's lock mode.
func (l *Lock) Mode() types.LockMode { return l.mode }

// Path returns the lock path the handle competes under.
func (l *Lock) Path() string { return l.path }

// Status returns the current request status.
func (l *Lock) Status() types.LockStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// HasLock reports whether the handle currently holds the lock. It stays true
// after a non-immediate revocation request until the holder releases; an
// immediate revocation or session loss turns it false without Release.
func (l *Lock) HasLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == types.StatusAcquired
}

// Revoked reports whether a revocation signal has been observed for the
// current request.
func (l *Lock) Revoked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revoked
}

// Acquire attempts to take the lock. With blocking set it waits until the
// request's rank is reached, the context ends, the request is revoked, or
// the session expires; otherwise it gives up immediately when blocked,
// removing its backing node and returning false without error.
//
// A context deadline is the acquire timeout: on expiry the backing node is
// removed (a grant racing the timeout is released by that same deletion, so
// no orphaned holder can remain) and ErrTimeout is returned.
func (l *Lock) Acquire(ctx context.Context, blocking bool) (bool, error) {
	l.mu.Lock()
	if l.status == types.StatusPending || l.status == types.StatusAcquired {
		l.mu.Unlock()
		return false, ErrAlreadyAcquired
	}
	token := uuid.NewString()
	wake := make(chan struct{}, 1)
	l.status = types.StatusPending
	l.token = token
	l.nodePath = ""
	l.revoked = false
	l.sessionLost = false
	l.wake = wake
	l.mu.Unlock()

	start := l.clk.Now()
	granted, err := l.acquire(ctx, blocking, token, wake)
	l.metrics.IncrAcquire(l.mode, granted)
	if granted {
		l.metrics.ObserveWait(l.mode, l.clk.Since(start))
	}
	return granted, err
}

func (l *Lock) acquire(ctx context.Context, blocking bool, token string, wake chan struct{}) (bool, error) {
	if err := l.ensureLockDir(ctx); err != nil {
		l.toStatus(types.StatusUnacquired)
		return false, err
	}
	if err := l.createOwnNode(ctx, token); err != nil {
		l.toStatus(types.StatusUnacquired)
		return false, err
	}

	for {
		children, err := l.listChildren(ctx)
		if err != nil {
			l.abandon()
			return false, err
		}
		nodes := types.ParseLockNodes(children)
		self, dup := splitOwn(nodes, token)

		if dup != nil {
			// A retried create landed twice; the higher-sequence twin is
			// surplus.
			l.log.Warnw("removing duplicate lock node", "node", dup.Name)
			if err := l.deleteNode(ctx, l.path+"/"+dup.Name); err != nil {
				l.abandon()
				return false, err
			}
			continue
		}

		if self == nil {
			if done, grantedErr := l.ownNodeGone(); done {
				return false, grantedErr
			}
			// The node vanished without a revocation: the create was lost
			// to a disconnect. Start a fresh one.
			l.log.Debugw("own node missing, recreating")
			if err := l.createOwnNode(ctx, token); err != nil {
				l.toStatus(types.StatusUnacquired)
				return false, err
			}
			continue
		}

		if l.Revoked() {
			l.finishRevoked()
			return false, ErrRevoked
		}

		blockers := blockersFor(*self, nodes, l.mode)
		if len(blockers) == 0 {
			switch {
			case l.grant():
				return true, nil
			case l.Revoked():
				l.finishRevoked()
				return false, ErrRevoked
			default:
				return false, facade.ErrSessionExpired
			}
		}

		if !blocking {
			l.abandon()
			return false, nil
		}

		if err := l.waitOnBlocker(ctx, blockers[len(blockers)-1], wake); err != nil {
			return false, err
		}
	}
}

// waitOnBlocker arms a watch on the next-lower blocking sibling and suspends
// until the dispatcher signals the wake channel or the context ends. The
// caller re-lists children afterwards; the removed sibling need not have been
// the only blocker.
func (l *Lock) waitOnBlocker(ctx context.Context, blocker types.LockNode, wake chan struct{}) error {
	blockerPath := l.path + "/" + blocker.Name

	var stat *types.Stat
	var events <-chan types.WatchEvent
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		stat, events, err = l.svc.Exists(ctx, blockerPath, true)
		return err
	})
	if err != nil {
		l.abandon()
		return err
	}
	if stat == nil {
		// Already gone between listing and watch; re-evaluate right away.
		return nil
	}
	go l.forwardWake(events, wake)

	l.log.Debugw("waiting on blocker", "blocker", blocker.Name)
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		l.abandon()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// forwardWake delivers one blocker watch event through the dispatcher to the
// waiting acquire. The acquire itself never runs on the dispatcher goroutine.
func (l *Lock) forwardWake(events <-chan types.WatchEvent, wake chan struct{}) {
	select {
	case _, ok := <-events:
		if !ok {
			return
		}
		l.disp.Submit(l.path, func() { signal(wake) })
	case <-l.quit:
	}
}

// ownNodeGone decides what a missing own node means mid-acquire. It reports
// done=true when the acquire must stop (revoked, session lost, or released
// underneath us by Clear/Release).
func (l *Lock) ownNodeGone() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.revoked:
		l.status = types.StatusRevoked
		l.nodePath = ""
		return true, ErrRevoked
	case l.sessionLost:
		return true, facade.ErrSessionExpired
	case l.status != types.StatusPending:
		return true, nil
	default:
		l.nodePath = ""
		return false, nil
	}
}

// finishRevoked ends a pending acquire that observed a revocation signal,
// removing the backing node if it still exists.
func (l *Lock) finishRevoked() {
	l.mu.Lock()
	nodePath := l.nodePath
	l.nodePath = ""
	l.status = types.StatusRevoked
	l.mu.Unlock()

	if nodePath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.deleteNode(ctx, nodePath); err != nil {
		l.log.Warnw("failed to remove revoked lock node", "node", nodePath, "error", err)
	}
}

// grant moves the request to acquired unless the session was lost or the
// request was revoked meanwhile.
func (l *Lock) grant() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessionLost || l.revoked || l.status != types.StatusPending {
		return false
	}
	l.status = types.StatusAcquired
	l.log.Debugw("lock acquired", "node", l.nodePath)
	return true
}

// Release deletes the backing node. Releasing an already released, revoked
// or never-acquired handle is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	nodePath := l.nodePath
	status := l.status
	l.nodePath = ""
	if status == types.StatusAcquired || status == types.StatusPending {
		l.status = types.StatusReleased
	}
	l.mu.Unlock()

	if nodePath == "" || (status != types.StatusAcquired && status != types.StatusPending) {
		return nil
	}
	l.metrics.IncrRelease(l.mode)
	return l.deleteNode(ctx, nodePath)
}

// Clear forcibly removes this client's own backing node regardless of
// status. Intended for cleanup of abandoned requests.
func (l *Lock) Clear(ctx context.Context) error {
	l.mu.Lock()
	nodePath := l.nodePath
	l.nodePath = ""
	if l.status == types.StatusAcquired || l.status == types.StatusPending {
		l.status = types.StatusReleased
	}
	wake := l.wake
	l.mu.Unlock()

	signal(wake)
	if nodePath == "" {
		return nil
	}
	return l.deleteNode(ctx, nodePath)
}

// Close releases the lock if held and stops the handle's goroutines. The
// handle must not be used afterwards.
func (l *Lock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := l.Release(ctx)

	l.closeOnce.Do(func() {
		close(l.quit)
		l.sessionCancel()
		if l.ownDisp {
			l.disp.Close()
		} else {
			l.disp.Drop(l.path)
		}
	})
	return err
}

// watchSession forwards session notifications into the dispatcher. Session
// expiry voids the ephemeral backing node, so the request is lost no matter
// what rank it had. Reconnection wakes a pending acquire: watch events fired
// during the outage were lost, so the waiter must re-list instead of
// trusting its old watch.
func (l *Lock) watchSession(events <-chan types.SessionEvent) {
	for {
		select {
		case ev := <-events:
			switch ev.State {
			case types.StateExpired:
				l.disp.Submit(l.path, l.handleSessionExpired)
			case types.StateConnected:
				l.disp.Submit(l.path, l.handleReconnected)
			}
		case <-l.quit:
			return
		}
	}
}

// handleReconnected nudges a pending acquire to re-evaluate its rank after
// an outage.
func (l *Lock) handleReconnected() {
	l.mu.Lock()
	pending := l.status == types.StatusPending
	wake := l.wake
	l.mu.Unlock()
	if pending {
		l.log.Debugw("reconnected, re-evaluating pending request")
		signal(wake)
	}
}

func (l *Lock) handleSessionExpired() {
	l.mu.Lock()
	l.sessionLost = true
	if l.status == types.StatusAcquired || l.status == types.StatusPending {
		l.status = types.StatusReleased
		l.nodePath = ""
	}
	wake := l.wake
	l.mu.Unlock()
	l.log.Warnw("session expired, lock lost")
	signal(wake)
}

// createOwnNode creates the sequential ephemeral backing node and arms the
// revocation watch on it. The token embedded in the name lets the create be
// re-identified if the response was lost to a disconnect.
func (l *Lock) createOwnNode(ctx context.Context, token string) error {
	namePrefix := l.path + "/" + types.LockNodePrefix(l.mode, token)
	nodePath, err := l.retrier.DoCreate(ctx,
		func(ctx context.Context) (string, error) {
			return l.svc.Create(ctx, namePrefix, nil, facade.FlagSequential|facade.FlagEphemeral)
		},
		func(ctx context.Context) (string, bool, error) {
			return l.findOwn(ctx, token)
		},
	)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.nodePath = nodePath
	l.mu.Unlock()

	return l.armRevocationWatch(ctx, nodePath)
}

// findOwn looks for a child carrying the token, resolving whether a create
// that reported failure actually succeeded server-side.
func (l *Lock) findOwn(ctx context.Context, token string) (string, bool, error) {
	children, _, _, err := l.svc.GetChildren(ctx, l.path, false)
	if err != nil {
		return "", false, err
	}
	for _, n := range types.ParseLockNodes(children) {
		if n.Token == token {
			return l.path + "/" + n.Name, true, nil
		}
	}
	return "", false, nil
}

func (l *Lock) listChildren(ctx context.Context) ([]string, error) {
	var children []string
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		children, _, _, err = l.svc.GetChildren(ctx, l.path, false)
		return err
	})
	return children, err
}

// ensureLockDir creates the lock path and any missing ancestors.
func (l *Lock) ensureLockDir(ctx context.Context) error {
	parts := strings.Split(strings.Trim(l.path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		path := current
		err := l.retrier.Do(ctx, func(ctx context.Context) error {
			_, err := l.svc.Create(ctx, path, nil, 0)
			if errors.Is(err, facade.ErrNodeExists) {
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// abandon removes the backing node after a failed or given-up acquire. The
// caller's context may already be done, so the delete runs on its own budget.
func (l *Lock) abandon() {
	l.mu.Lock()
	nodePath := l.nodePath
	l.nodePath = ""
	if l.status == types.StatusPending {
		l.status = types.StatusUnacquired
	}
	l.mu.Unlock()

	if nodePath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.deleteNode(ctx, nodePath); err != nil {
		l.log.Warnw("failed to remove abandoned lock node", "node", nodePath, "error", err)
	}
}

// deleteNode deletes a node, treating already-gone as success.
func (l *Lock) deleteNode(ctx context.Context, path string) error {
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		return l.svc.Delete(ctx, path)
	})
	if errors.Is(err, facade.ErrNoNode) {
		return nil
	}
	return err
}

// toStatus sets the status and forgets the backing node.
func (l *Lock) toStatus(s types.LockStatus) {
	l.mu.Lock()
	l.status = s
	l.nodePath = ""
	l.mu.Unlock()
}

func signal(wake chan struct{}) {
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// splitOwn finds this request's node by token. If a lost create left two
// nodes with the same token, the lowest sequence is self and the other is
// the duplicate to delete.
func splitOwn(nodes []types.LockNode, token string) (self, dup *types.LockNode) {
	for i := range nodes {
		if nodes[i].Token != token {
			continue
		}
		if self == nil {
			self = &nodes[i]
		} else {
			dup = &nodes[i]
			break
		}
	}
	return self, dup
}

// blockersFor returns the earlier-ranked requests that block mode m, in
// ascending sequence order. nodes must already be sequence-sorted.
func blockersFor(self types.LockNode, nodes []types.LockNode, m types.LockMode) []types.LockNode {
	var blockers []types.LockNode
	for _, n := range nodes {
		if n.Sequence >= self.Sequence {
			break
		}
		if n.BlocksMode(m) {
			blockers = append(blockers, n)
		}
	}
	return blockers
}
