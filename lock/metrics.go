package lock

import (
	"sync/atomic"
	"time"

	"github.com/jathurchan/treekeeper/types"
)

// Metrics records lock-engine activity for observability.
type Metrics interface {
	// IncrAcquire counts an acquire attempt and whether it was granted.
	IncrAcquire(mode types.LockMode, granted bool)

	// IncrRelease counts a release of a held or pending request.
	IncrRelease(mode types.LockMode)

	// IncrRevocation counts an observed revocation signal.
	IncrRevocation(mode types.LockMode)

	// ObserveWait records how long a granted acquire waited.
	ObserveWait(mode types.LockMode, d time.Duration)

	// Reset clears all collected metrics.
	Reset()
}

const modeCount = int(types.ModeWrite) + 1

// StandardMetrics is an atomic, allocation-free Metrics implementation.
type StandardMetrics struct {
	attempts    [modeCount]atomic.Uint64
	grants      [modeCount]atomic.Uint64
	releases    [modeCount]atomic.Uint64
	revocations [modeCount]atomic.Uint64
	waitTotal   [modeCount]atomic.Int64
}

// NewMetrics returns a StandardMetrics recorder.
func NewMetrics() *StandardMetrics {
	return &StandardMetrics{}
}

func (m *StandardMetrics) IncrAcquire(mode types.LockMode, granted bool) {
	m.attempts[mode].Add(1)
	if granted {
		m.grants[mode].Add(1)
	}
}

func (m *StandardMetrics) IncrRelease(mode types.LockMode) {
	m.releases[mode].Add(1)
}

func (m *StandardMetrics) IncrRevocation(mode types.LockMode) {
	m.revocations[mode].Add(1)
}

func (m *StandardMetrics) ObserveWait(mode types.LockMode, d time.Duration) {
	m.waitTotal[mode].Add(int64(d))
}

// AcquireCount returns attempts and grants for a mode.
func (m *StandardMetrics) AcquireCount(mode types.LockMode) (attempts, grants uint64) {
	return m.attempts[mode].Load(), m.grants[mode].Load()
}

// ReleaseCount returns releases for a mode.
func (m *StandardMetrics) ReleaseCount(mode types.LockMode) uint64 {
	return m.releases[mode].Load()
}

// RevocationCount returns observed revocations for a mode.
func (m *StandardMetrics) RevocationCount(mode types.LockMode) uint64 {
	return m.revocations[mode].Load()
}

// TotalWait returns the cumulative granted-acquire wait time for a mode.
func (m *StandardMetrics) TotalWait(mode types.LockMode) time.Duration {
	return time.Duration(m.waitTotal[mode].Load())
}

func (m *StandardMetrics) Reset() {
	for i := 0; i < modeCount; i++ {
		m.attempts[i].Store(0)
		m.grants[i].Store(0)
		m.releases[i].Store(0)
		m.revocations[i].Store(0)
		m.waitTotal[i].Store(0)
	}
}

// noOpMetrics discards everything.
type noOpMetrics struct{}

// NewNoOpMetrics returns a Metrics recorder that discards everything.
func NewNoOpMetrics() Metrics {
	return noOpMetrics{}
}

func (noOpMetrics) IncrAcquire(types.LockMode, bool)          {}
func (noOpMetrics) IncrRelease(types.LockMode)                {}
func (noOpMetrics) IncrRevocation(types.LockMode)             {}
func (noOpMetrics) ObserveWait(types.LockMode, time.Duration) {}
func (noOpMetrics) Reset()                                    {}
