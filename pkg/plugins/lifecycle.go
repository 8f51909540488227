package plugins

import (
	"fmt"
	"sync"
)

// Stage is a plugin lifecycle stage
type Stage string

const (
	StageUnloaded    Stage = "unloaded"
	StageLoaded      Stage = "loaded"
	StageConfigured  Stage = "configured"
	StageInitialized Stage = "initialized"
	StageActive      Stage = "active"
	StageSuspended   Stage = "suspended"
	StageError       Stage = "error"
	StageUninstalled Stage = "uninstalled"
)

// transitions is the legal transition table. Error is handled separately.
var transitions = map[Stage][]Stage{
	StageUnloaded:    {StageLoaded, StageUninstalled},
	StageLoaded:      {StageConfigured, StageInitialized, StageUnloaded},
	StageConfigured:  {StageInitialized, StageUnloaded},
	StageInitialized: {StageActive, StageUnloaded},
	StageActive:      {StageSuspended},
	StageSuspended:   {StageActive, StageUnloaded},
	StageError:       {StageUnloaded, StageUninstalled},
	StageUninstalled: nil,
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to Stage) bool {
	if from == StageUninstalled {
		return false
	}
	if to == StageError {
		return from != StageError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InUse reports whether the stage holds a live instance
func (s Stage) InUse() bool {
	return s != StageUnloaded && s != StageUninstalled
}

// Lifecycle tracks the stage of one plugin instance
type Lifecycle struct {
	mu      sync.RWMutex
	stage   Stage
	history []Stage
}

// NewLifecycle returns a lifecycle in the Unloaded stage
func NewLifecycle() *Lifecycle {
	return &Lifecycle{stage: StageUnloaded, history: []Stage{StageUnloaded}}
}

// Stage returns the current stage
func (l *Lifecycle) Stage() Stage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stage
}

// History returns every stage visited, oldest first
func (l *Lifecycle) History() []Stage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Stage, len(l.history))
	copy(out, l.history)
	return out
}

// Transition moves to the next stage or returns ErrIllegalTransition
func (l *Lifecycle) Transition(to Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !CanTransition(l.stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.stage, to)
	}
	l.stage = to
	l.history = append(l.history, to)
	return nil
}

// Fail moves to the Error stage from wherever the lifecycle is
func (l *Lifecycle) Fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stage == StageError || l.stage == StageUninstalled {
		return
	}
	l.stage = StageError
	l.history = append(l.history, StageError)
}
