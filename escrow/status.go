package escrow

import "time"

// Engine-wide limits. These are fixed at compile time, not per job.
const (
	// MinAmount is the smallest job amount accepted, in minor units.
	MinAmount int64 = 10
	// MaxDuration bounds the interval between creation and deadline.
	MaxDuration = 90 * 24 * time.Hour
	// ExtensionCap bounds how far past the original deadline an extension
	// may reach.
	ExtensionCap = 30 * 24 * time.Hour
	// ResolutionWindow is the grace period after the deadline before a
	// disputed job may be auto-resolved.
	ResolutionWindow = 7 * 24 * time.Hour
)

var transitions = map[Status][]Status{
	StatusCreated:  {StatusFunded, StatusCompleted, StatusCancelled},
	StatusFunded:   {StatusCompleted, StatusDisputed},
	StatusDisputed: {StatusResolved},
}

// Terminal reports whether the status admits no further transitions. A job's
// amount has been disbursed exactly once by the time it reaches a terminal
// status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
