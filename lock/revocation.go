package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jathurchan/treekeeper/facade"
	"github.com/jathurchan/treekeeper/types"
)

// RevocationSignal is the payload a revoker writes into a lock request's
// backing node. Only the revoker writes it; only the request's owner reads
// and acts on it. Empty node data means not revoked.
type RevocationSignal struct {
	// Requested asks the holder to finish its critical section and release.
	// How long the revoker is willing to wait before escalating is the
	// revoker's own policy; the library imposes no deadline.
	Requested bool `json:"requested"`

	// Immediate makes the holder's library reclaim the backing node as soon
	// as the signal is observed, without waiting for an explicit release.
	Immediate bool `json:"immediate"`
}

// EncodeSignal serializes a revocation signal for storage in a node.
func EncodeSignal(sig RevocationSignal) ([]byte, error) {
	return json.Marshal(sig)
}

// DecodeSignal parses node data into a revocation signal. Empty data decodes
// to the zero signal.
func DecodeSignal(data []byte) (RevocationSignal, error) {
	var sig RevocationSignal
	if len(data) == 0 {
		return sig, nil
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return RevocationSignal{}, fmt.Errorf("malformed revocation payload: %w", err)
	}
	return sig, nil
}

// RevokeAll writes a revocation signal into every lock request currently
// queued under the lock path, holders and waiters alike. It needs nothing
// beyond write access to the lock path. With immediate set, each owner's
// library reclaims its node on observing the signal; otherwise holders are
// expected to release voluntarily.
func (l *Lock) RevokeAll(ctx context.Context, immediate bool) error {
	payload, err := EncodeSignal(RevocationSignal{Requested: true, Immediate: immediate})
	if err != nil {
		return err
	}

	children, err := l.listChildren(ctx)
	if err != nil {
		return err
	}
	for _, n := range types.ParseLockNodes(children) {
		nodePath := l.path + "/" + n.Name
		err := l.retrier.Do(ctx, func(ctx context.Context) error {
			_, err := l.svc.SetData(ctx, nodePath, payload)
			return err
		})
		if errors.Is(err, facade.ErrNoNode) {
			// Released between listing and write.
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// armRevocationWatch reads the backing node's data with a fresh watch,
// applies any signal already present, and keeps the watch chain alive. Every
// fire re-arms, so the owner never goes blind to revocation. The watch is
// tagged with the node it was armed for; a handle acquires again after a
// release, so events from an earlier request's node must never be applied to
// the current one.
func (l *Lock) armRevocationWatch(ctx context.Context, nodePath string) error {
	if nodePath == "" {
		return nil
	}

	var data []byte
	var events <-chan types.WatchEvent
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		data, _, events, err = l.svc.GetData(ctx, nodePath, true)
		return err
	})
	if errors.Is(err, facade.ErrNoNode) {
		// Node already reclaimed; the acquire loop or deletion handler
		// owns that transition.
		return nil
	}
	if err != nil {
		return err
	}

	l.applySignal(nodePath, data)
	go l.forwardOwnEvent(nodePath, events)
	return nil
}

// forwardOwnEvent hands one own-node watch event to the dispatcher.
func (l *Lock) forwardOwnEvent(nodePath string, events <-chan types.WatchEvent) {
	select {
	case ev, ok := <-events:
		if !ok {
			return
		}
		l.disp.Submit(l.path, func() { l.handleOwnEvent(nodePath, ev) })
	case <-l.quit:
	}
}

// handleOwnEvent runs on the dispatcher when the backing node changes.
// Events from a node that is no longer the handle's current backing node are
// stale and dropped.
func (l *Lock) handleOwnEvent(nodePath string, ev types.WatchEvent) {
	if ev.Type == types.EventSessionExpired {
		l.handleSessionExpired()
		return
	}

	l.mu.Lock()
	current := l.nodePath
	l.mu.Unlock()
	if nodePath != current {
		return
	}

	switch ev.Type {
	case types.EventDataChanged:
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := l.armRevocationWatch(ctx, nodePath); err != nil {
			l.log.Warnw("failed to re-arm revocation watch", "error", err)
		}
	case types.EventNodeDeleted:
		l.handleNodeDeleted(nodePath)
	}
}

// handleNodeDeleted records that the backing node is gone underneath us,
// by an immediate revocation or an external Clear.
func (l *Lock) handleNodeDeleted(nodePath string) {
	l.mu.Lock()
	if l.nodePath != nodePath {
		l.mu.Unlock()
		return
	}
	l.nodePath = ""
	if l.status == types.StatusAcquired {
		if l.revoked {
			l.status = types.StatusRevoked
		} else {
			l.status = types.StatusReleased
		}
	}
	wake := l.wake
	l.mu.Unlock()
	signal(wake)
}

// applySignal reacts to a revocation payload read from nodePath. An
// immediate signal reclaims the backing node on the spot; a plain request
// only flips Revoked and lets the holder finish its critical section.
func (l *Lock) applySignal(nodePath string, data []byte) {
	sig, err := DecodeSignal(data)
	if err != nil {
		l.log.Warnw("ignoring revocation payload", "error", err)
		return
	}
	if !sig.Requested {
		return
	}

	l.mu.Lock()
	if l.nodePath != nodePath {
		// Read from a node that is no longer this handle's request.
		l.mu.Unlock()
		return
	}
	alreadyRevoked := l.revoked
	l.revoked = true
	wake := l.wake
	l.mu.Unlock()

	if !alreadyRevoked {
		l.metrics.IncrRevocation(l.mode)
		l.log.Infow("revocation requested", "immediate", sig.Immediate)
	}
	signal(wake)

	if !sig.Immediate || nodePath == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.deleteNode(ctx, nodePath); err != nil {
		l.log.Errorw("failed to reclaim revoked lock node", "node", nodePath, "error", err)
		return
	}

	l.mu.Lock()
	if l.nodePath == nodePath {
		l.nodePath = ""
	}
	if l.status == types.StatusAcquired {
		l.status = types.StatusRevoked
	}
	wake = l.wake
	l.mu.Unlock()
	signal(wake)
}
