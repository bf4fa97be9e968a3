package storage

import (
	"fmt"
	"sync/atomic"
)

// CriticalGuard records that a repository has failed a durable write.
// Once tripped it stays tripped for the lifetime of the process.
type CriticalGuard struct {
	tripped atomic.Bool
	cause   atomic.Pointer[error]

	// OnTrip, when set, is called once with the causing error.
	OnTrip func(err error)
}

// Check returns ErrCriticalState if the guard has been tripped.
func (g *CriticalGuard) Check() error {
	if !g.tripped.Load() {
		return nil
	}
	if cause := g.cause.Load(); cause != nil {
		return fmt.Errorf("%w (caused by: %v)", ErrCriticalState, *cause)
	}
	return ErrCriticalState
}

// Trip marks the repository unusable for writes and returns err wrapped
// as ErrPersistence.
func (g *CriticalGuard) Trip(err error) error {
	if g.tripped.CompareAndSwap(false, true) {
		g.cause.Store(&err)
		if g.OnTrip != nil {
			g.OnTrip(err)
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// Tripped reports whether a persistence failure has occurred.
func (g *CriticalGuard) Tripped() bool {
	return g.tripped.Load()
}
