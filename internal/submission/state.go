// Package submission drives one shipment's Proof-of-Delivery submission:
// the bounded-retry attempt counter, the three-photo fallback, and the
// already-submitted guard in front of every entry point.
package submission

import "github.com/trella/pod-capture/internal/quality"

// MaxAttempts is the number of failed single-image analyses after which
// a session switches to fallback mode.
const MaxAttempts = 3

// FallbackImages is the number of distinct images a fallback submission needs.
const FallbackImages = 3

// Mode is the upload mode of a session.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeFallback Mode = "fallback"
)

// State is the workflow state surfaced to the caller after each step.
type State string

const (
	StateAwaitingInput      State = "awaiting_input"
	StateAnalyzing          State = "analyzing"
	StateAccepted           State = "accepted"
	StateRetryRequested     State = "retry_requested"
	StateFallbackEntered    State = "fallback_entered"
	StateFallbackCollecting State = "fallback_collecting"
	StateSubmitted          State = "submitted"
	StateAlreadySubmitted   State = "already_submitted"
)

// Terminal reports whether no further attempts are accepted in s.
func (s State) Terminal() bool {
	return s == StateSubmitted || s == StateAlreadySubmitted
}

// AttemptState counts failed analyses for one session. It is owned by a
// single session and never persisted.
type AttemptState struct {
	AttemptsUsed int
	Mode         Mode
	MaxAttempts  int
}

// NewAttemptState returns a fresh single-mode counter.
func NewAttemptState() *AttemptState {
	return &AttemptState{Mode: ModeSingle, MaxAttempts: MaxAttempts}
}

// Record applies one verdict and returns the resulting state.
//
// Once in fallback mode the state never returns to single, even for a
// passing verdict; the caller should stop analyzing at that point.
func (a *AttemptState) Record(v quality.Verdict) State {
	if a.Mode == ModeFallback {
		return StateFallbackCollecting
	}
	if v.Passed {
		return StateAccepted
	}
	a.AttemptsUsed++
	if a.AttemptsUsed >= a.MaxAttempts {
		a.Mode = ModeFallback
		return StateFallbackEntered
	}
	return StateRetryRequested
}

// Remaining returns how many single-image attempts are left.
func (a *AttemptState) Remaining() int {
	if r := a.MaxAttempts - a.AttemptsUsed; r > 0 {
		return r
	}
	return 0
}
