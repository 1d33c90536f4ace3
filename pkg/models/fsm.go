package models

import (
	"fmt"
	"time"
)

// EgressStatus is the lifecycle state of an egress job
type EgressStatus string

const (
	EgressStatusStarting     EgressStatus = "EGRESS_STARTING"
	EgressStatusActive       EgressStatus = "EGRESS_ACTIVE"
	EgressStatusEnding       EgressStatus = "EGRESS_ENDING"
	EgressStatusComplete     EgressStatus = "EGRESS_COMPLETE"
	EgressStatusFailed       EgressStatus = "EGRESS_FAILED"
	EgressStatusAborted      EgressStatus = "EGRESS_ABORTED"
	EgressStatusLimitReached EgressStatus = "EGRESS_LIMIT_REACHED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []EgressStatus{
	EgressStatusStarting,
	EgressStatusActive,
	EgressStatusEnding,
	EgressStatusComplete,
	EgressStatusFailed,
	EgressStatusAborted,
	EgressStatusLimitReached,
}

// validTransitions maps from-state to allowed to-states
var validTransitions = map[EgressStatus]map[EgressStatus]bool{
	EgressStatusStarting: {
		EgressStatusActive:  true, // pipeline attached and output opened
		EgressStatusFailed:  true, // source missing, output open failed, bad encoding
		EgressStatusAborted: true, // stopped before the pipeline attached
	},
	EgressStatusActive: {
		EgressStatusEnding:       true, // stop requested, source ended, only output failed
		EgressStatusFailed:       true, // unrecoverable pipeline error
		EgressStatusLimitReached: true, // duration/size limit reported by the pipeline
		EgressStatusAborted:      true, // cancelled
	},
	EgressStatusEnding: {
		EgressStatusComplete: true, // outputs finalized
		EgressStatusFailed:   true, // finalize failed
		EgressStatusAborted:  true, // cancelled while finalizing
	},
	// Terminal states (no transitions allowed)
	EgressStatusComplete:     {},
	EgressStatusFailed:       {},
	EgressStatusAborted:      {},
	EgressStatusLimitReached: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to EgressStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return Errorf(KindInvalidState, "transition", "unknown source state: %s", from)
	}
	if !allowed[to] {
		return Errorf(KindInvalidState, "transition", "invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the state is terminal (no further transitions)
func (s EgressStatus) IsTerminal() bool {
	switch s {
	case EgressStatusComplete, EgressStatusFailed, EgressStatusAborted, EgressStatusLimitReached:
		return true
	}
	return false
}

// IsUpdatable reports whether layout and stream updates are accepted in this state
func (s EgressStatus) IsUpdatable() bool {
	return s == EgressStatusStarting || s == EgressStatusActive
}

// IsValid reports whether s is a known status
func (s EgressStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// StateTransition tracks status changes with timestamps
type StateTransition struct {
	From      EgressStatus `json:"from"`
	To        EgressStatus `json:"to"`
	Timestamp int64        `json:"timestamp"`
	Reason    string       `json:"reason,omitempty"`
}

// Transition moves info to the given status, recording history and timestamps.
// started_at is stamped on entering ACTIVE and ended_at on entering a terminal state.
func (e *EgressInfo) Transition(to EgressStatus, reason string, at time.Time) error {
	if e.Status == to {
		return nil
	}
	if err := ValidateTransition(e.Status, to); err != nil {
		return fmt.Errorf("egress %s: %w", e.EgressID, err)
	}

	ts := at.UnixMicro()
	e.Transitions = append(e.Transitions, StateTransition{
		From:      e.Status,
		To:        to,
		Timestamp: ts,
		Reason:    reason,
	})
	e.Status = to
	e.UpdatedAt = ts

	if to == EgressStatusActive && e.StartedAt == 0 {
		e.StartedAt = ts
	}
	if to.IsTerminal() && e.EndedAt == 0 {
		e.EndedAt = ts
		if e.StartedAt != 0 && e.EndedAt < e.StartedAt {
			e.EndedAt = e.StartedAt
		}
	}
	return nil
}
