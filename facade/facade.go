package facade

import (
	"context"

	"github.com/jathurchan/treekeeper/types"
)

// CreateFlags select node semantics at creation time.
type CreateFlags int

const (
	// FlagSequential makes the service append a monotonically increasing,
	// zero-padded decimal suffix to the node name.
	FlagSequential CreateFlags = 1 << iota

	// FlagEphemeral binds the node's lifetime to the creating session: the
	// service removes it when the session ends.
	FlagEphemeral
)

// Service is the coordination service as seen by this library: a tree of
// nodes carrying byte payloads and server-maintained stats, with one-shot
// watches on data and children. Connection management, session keepalive and
// the wire protocol live behind this interface; implementations surface
// transport trouble as ErrConnectionLoss and session death as session events.
//
// Watch channels returned by Exists, GetData and GetChildren are buffered and
// deliver at most one event each; continuing to observe a node requires
// registering a fresh watch.
type Service interface {
	// Create makes a node at path holding data. With FlagSequential the
	// created name differs from the requested one; the actual path is
	// returned. Fails with ErrNoNode if the parent is missing and with
	// ErrNodeExists for a non-sequential path that is already taken.
	Create(ctx context.Context, path string, data []byte, flags CreateFlags) (string, error)

	// Delete removes the node at path. Fails with ErrNoNode if it does not
	// exist and ErrNotEmpty if it still has children.
	Delete(ctx context.Context, path string) error

	// Exists returns the node's stat, or nil if the node does not exist.
	// With watch set, the returned channel fires once on creation, deletion
	// or data change of the path.
	Exists(ctx context.Context, path string, watch bool) (*types.Stat, <-chan types.WatchEvent, error)

	// GetData returns the node's payload and stat. With watch set, the
	// returned channel fires once on the next data change or deletion.
	GetData(ctx context.Context, path string, watch bool) ([]byte, *types.Stat, <-chan types.WatchEvent, error)

	// SetData overwrites the node's payload and returns the new stat.
	SetData(ctx context.Context, path string, data []byte) (*types.Stat, error)

	// GetChildren returns the node's child names in lexicographic order.
	// With watch set, the returned channel fires once on the next child
	// creation or deletion.
	GetChildren(ctx context.Context, path string, watch bool) ([]string, *types.Stat, <-chan types.WatchEvent, error)

	// State reports the session state as last observed.
	State() types.SessionState

	// SubscribeSession registers for session-state notifications. The
	// returned cancel func releases the subscription; after cancel the
	// channel stops receiving and may be abandoned.
	SubscribeSession() (<-chan types.SessionEvent, func())
}
