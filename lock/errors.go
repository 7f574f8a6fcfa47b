package lock

import "errors"

// Lock errors. Session expiry surfaces as facade.ErrSessionExpired.
var (
	// ErrAlreadyAcquired is returned when Acquire is called on a handle
	// whose previous request is still pending or held.
	ErrAlreadyAcquired = errors.New("lock handle already has an active request")

	// ErrTimeout is returned when a blocking acquire's deadline elapsed
	// before the lock was granted.
	ErrTimeout = errors.New("lock acquire timed out")

	// ErrRevoked is returned when a pending request was revoked and
	// reclaimed before it could be granted.
	ErrRevoked = errors.New("lock request revoked")
)
