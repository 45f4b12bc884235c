// Package status publishes per-activity liveness as plain files: a single
// status record and a snapshot of the pending uploads.
package status

import (
	"fmt"
	"strings"
)

// Phase is the lifecycle tag of an activity lane.
type Phase string

const (
	PhaseIdle     Phase = "Idle"
	PhaseStarting Phase = "Starting"
	PhaseRunning  Phase = "Running"
	PhaseCleanup  Phase = "Cleanup"
	PhaseError    Phase = "Error"
)

// ParsePhase resolves a phase tag.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.TrimSpace(s)); p {
	case PhaseIdle, PhaseStarting, PhaseRunning, PhaseCleanup, PhaseError:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}

// IsBusy reports whether a job is in flight in this phase.
func (p Phase) IsBusy() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseCleanup:
		return true
	default:
		return false
	}
}

// ValidTransition enforces the lane state machine:
// Idle -> Starting -> Running* -> Cleanup -> Idle, and any phase -> Error.
// Error is left by the next job starting or by returning to Idle.
func ValidTransition(from, to Phase) bool {
	if to == PhaseError {
		return true
	}
	switch from {
	case PhaseIdle:
		return to == PhaseIdle || to == PhaseStarting
	case PhaseStarting:
		return to == PhaseRunning || to == PhaseCleanup
	case PhaseRunning:
		return to == PhaseRunning || to == PhaseCleanup
	case PhaseCleanup:
		return to == PhaseIdle
	case PhaseError:
		return to == PhaseIdle || to == PhaseStarting
	default:
		return false
	}
}
