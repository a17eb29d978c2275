// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backup

// State is a state of the recovery verifier.
type State string

const (
	// Starting mounts the cloned volume and starts the database service.
	Starting State = "starting"

	// CheckingRollback looks for evidence that the engine is undoing
	// incomplete transactions.
	CheckingRollback State = "checking-rollback"

	// RollingBack waits for rollback activity to go quiet.
	RollingBack State = "rolling-back"

	// AwaitingReady waits for the service to accept connections.
	AwaitingReady State = "awaiting-ready"

	// ValidatingFreshness compares the newest record with the attempt
	// start time.
	ValidatingFreshness State = "validating-freshness"

	// Verified is terminal: the clone is consistent and fresh.
	Verified State = "verified"

	// Failed is terminal: see the attempt reason.
	Failed State = "failed"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Verified || s == Failed
}

var transitions = map[State][]State{
	Starting:            {CheckingRollback, Failed},
	CheckingRollback:    {RollingBack, AwaitingReady, Failed},
	RollingBack:         {AwaitingReady, Failed},
	AwaitingReady:       {ValidatingFreshness, Failed},
	ValidatingFreshness: {Verified, Failed},
}

// CanTransition reports whether the verifier may move from one state to
// the other.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
