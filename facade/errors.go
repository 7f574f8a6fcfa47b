package facade

import "errors"

// Service errors. ErrConnectionLoss is the only transient one; everything
// else reflects tree state or session death and propagates to callers.
var (
	// ErrConnectionLoss is returned when a call failed because the transport
	// to the service is down. The outcome of the call is unknown: it may or
	// may not have taken effect server-side.
	ErrConnectionLoss = errors.New("connection to coordination service lost")

	// ErrSessionExpired is returned when the session backing the handle was
	// discarded by the service, together with its ephemeral nodes and
	// watches.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoNode is returned when the operation's target (or a create's
	// parent) does not exist.
	ErrNoNode = errors.New("node does not exist")

	// ErrNodeExists is returned by a non-sequential create for a path that
	// is already taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrNotEmpty is returned when deleting a node that still has children.
	ErrNotEmpty = errors.New("node has children")

	// ErrClosed is returned when using a facade handle after Close.
	ErrClosed = errors.New("facade handle is closed")
)
