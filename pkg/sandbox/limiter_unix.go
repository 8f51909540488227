//go:build linux || darwin

package sandbox

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// RlimitLimiter sets soft RLIMIT_CPU and RLIMIT_AS on the process. Hard
// limits are never raised.
type RlimitLimiter struct{}

// NewLimiter returns the platform limiter
func NewLimiter() Limiter {
	return RlimitLimiter{}
}

// CPUTime implements Limiter
func (RlimitLimiter) CPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, fmt.Errorf("failed to read rusage: %w", err)
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

// Apply implements Limiter
func (r RlimitLimiter) Apply(l Limits) (func() error, error) {
	var restores []func() error
	restore := func() error {
		var first error
		for i := len(restores) - 1; i >= 0; i-- {
			if err := restores[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	if l.CPUTime > 0 {
		used, err := r.CPUTime()
		if err != nil {
			return restore, err
		}
		soft := uint64((used + l.CPUTime + time.Second - 1) / time.Second)
		undo, err := setSoft(unix.RLIMIT_CPU, soft)
		if err != nil {
			return restore, fmt.Errorf("failed to set CPU limit: %w", err)
		}
		restores = append(restores, undo)
	}

	if l.AddressSpace > 0 {
		undo, err := setSoft(unix.RLIMIT_AS, l.AddressSpace)
		if err != nil {
			return restore, fmt.Errorf("failed to set address space limit: %w", err)
		}
		restores = append(restores, undo)
	}

	return restore, nil
}

func setSoft(resource int, soft uint64) (func() error, error) {
	var old unix.Rlimit
	if err := unix.Getrlimit(resource, &old); err != nil {
		return nil, err
	}
	next := old
	if soft > old.Max {
		soft = old.Max
	}
	next.Cur = soft
	if err := unix.Setrlimit(resource, &next); err != nil {
		return nil, err
	}
	return func() error {
		return unix.Setrlimit(resource, &old)
	}, nil
}
