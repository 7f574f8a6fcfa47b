package types

import "time"

// SessionState describes the client's view of its coordination-service
// session, as last reported by the service facade.
type SessionState int

const (
	// StateDisconnected means the transport to the service is currently down.
	// Ephemeral nodes and watches may still be intact server-side.
	StateDisconnected SessionState = iota

	// StateConnected means the session is established and usable.
	StateConnected

	// StateExpired means the service discarded the session: every ephemeral
	// node owned by it is gone and every watch it registered is void.
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SessionEvent is a session-state notification emitted by the service facade.
type SessionEvent struct {
	State SessionState
}

// EventType identifies what a fired watch observed.
type EventType int

const (
	// EventDataChanged fires when a node's data was overwritten.
	EventDataChanged EventType = iota

	// EventNodeCreated fires when a node an existence watch was registered
	// for came into being.
	EventNodeCreated

	// EventNodeDeleted fires when the watched node was removed.
	EventNodeDeleted

	// EventChildrenChanged fires when a child was created or deleted under
	// the watched node.
	EventChildrenChanged

	// EventSessionExpired is delivered to outstanding watches when the
	// registering session expired; the watch will never observe the node
	// again.
	EventSessionExpired
)

func (e EventType) String() string {
	switch e {
	case EventDataChanged:
		return "data-changed"
	case EventNodeCreated:
		return "node-created"
	case EventNodeDeleted:
		return "node-deleted"
	case EventChildrenChanged:
		return "children-changed"
	case EventSessionExpired:
		return "session-expired"
	default:
		return "unknown"
	}
}

// WatchEvent is the one-shot notification delivered when a watched node's
// data or children changed. A watch delivers at most one event; observing the
// node further requires registering a fresh watch.
type WatchEvent struct {
	Type EventType
	Path string
}

// Stat is the server-side metadata of a node. All timestamps are in
// milliseconds on the server's clock, so every client observing the same node
// agrees on modification ordering regardless of local clock skew.
type Stat struct {
	// Version counts data writes to the node, starting at 0.
	Version int32

	// Cversion counts child creations and deletions under the node.
	Cversion int32

	// Ctime is the creation time, server clock, milliseconds.
	Ctime int64

	// Mtime is the last data-write time, server clock, milliseconds.
	Mtime int64

	// EphemeralOwner is the session that owns the node, or 0 for a
	// persistent node.
	EphemeralOwner int64

	// NumChildren is the current child count.
	NumChildren int32
}

// ModifiedTime converts the server-reported Mtime to a time.Time.
func (s Stat) ModifiedTime() time.Time {
	return time.UnixMilli(s.Mtime)
}

// IsEphemeral reports whether the node is bound to a session's lifetime.
func (s Stat) IsEphemeral() bool {
	return s.EphemeralOwner != 0
}

// LockMode selects the sharing semantics of a lock request.
type LockMode int

const (
	// ModeExclusive grants the lock to the single lowest-sequence request.
	ModeExclusive LockMode = iota

	// ModeRead is granted once no write or exclusive request with a lower
	// sequence number remains. Multiple read holders may coexist.
	ModeRead

	// ModeWrite is granted once no request of any mode with a lower
	// sequence number remains.
	ModeWrite
)

func (m LockMode) String() string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// LockStatus is the life-cycle state of a single lock request.
type LockStatus int

const (
	// StatusUnacquired means no backing node exists for the handle.
	StatusUnacquired LockStatus = iota

	// StatusPending means the backing node is created and the request is
	// waiting for its rank.
	StatusPending

	// StatusAcquired means the request currently holds the lock.
	StatusAcquired

	// StatusRevoked means the holder was revoked and its backing node
	// reclaimed.
	StatusRevoked

	// StatusReleased means the backing node was deleted by release, by an
	// external actor, or by session loss.
	StatusReleased
)

func (s LockStatus) String() string {
	switch s {
	case StatusUnacquired:
		return "unacquired"
	case StatusPending:
		return "pending"
	case StatusAcquired:
		return "acquired"
	case StatusRevoked:
		return "revoked"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}
