package sandbox

import "time"

// Limits are the per-invocation resource ceilings
type Limits struct {
	// CPUTime is added to the CPU time already used by the process
	CPUTime time.Duration
	// AddressSpace in bytes; zero leaves the limit untouched
	AddressSpace uint64
}

// Limiter applies resource ceilings to the running process
type Limiter interface {
	// Apply installs l and returns a function restoring the previous values
	Apply(l Limits) (restore func() error, err error)
	// CPUTime reports the CPU time consumed by the process so far
	CPUTime() (time.Duration, error)
}

// NoopLimiter applies nothing
type NoopLimiter struct{}

// Apply implements Limiter
func (NoopLimiter) Apply(Limits) (func() error, error) {
	return func() error { return nil }, nil
}

// CPUTime implements Limiter
func (NoopLimiter) CPUTime() (time.Duration, error) {
	return 0, nil
}
