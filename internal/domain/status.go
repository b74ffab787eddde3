package domain

// ExecutionStatus is the closed set of ledger states. Adding a state here
// must be reflected in Terminal and CanTransition, which switch exhaustively.
type ExecutionStatus string

const (
	StatusBroadcasted ExecutionStatus = "broadcasted"
	StatusClaimed     ExecutionStatus = "claimed"
	StatusInProgress  ExecutionStatus = "in_progress"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusTimedout    ExecutionStatus = "timedout"
)

// Statuses lists every valid status.
func Statuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusBroadcasted, StatusClaimed, StatusInProgress,
		StatusCompleted, StatusFailed, StatusTimedout,
	}
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusBroadcasted, StatusClaimed, StatusInProgress,
		StatusCompleted, StatusFailed, StatusTimedout:
		return true
	}
	return false
}

// Terminal reports whether no further transition is accepted from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedout:
		return true
	case StatusBroadcasted, StatusClaimed, StatusInProgress:
		return false
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph:
// broadcasted -> claimed -> in_progress -> completed|failed|timedout, with
// failed reachable from claimed as well and timedout sweepable from either
// live post-claim state.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusBroadcasted:
		return to == StatusClaimed
	case StatusClaimed:
		return to == StatusInProgress || to == StatusFailed || to == StatusTimedout
	case StatusInProgress:
		return to == StatusInProgress || to == StatusCompleted || to == StatusFailed || to == StatusTimedout
	case StatusCompleted, StatusFailed, StatusTimedout:
		return false
	}
	return false
}
