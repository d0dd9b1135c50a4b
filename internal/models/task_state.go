package models

// TaskState is the lifecycle position of a ProcessingTask.
type TaskState string

const (
	TaskReceived             TaskState = "received"
	TaskValidating           TaskState = "validating"
	TaskCreating             TaskState = "creating"
	TaskPendingAuthorization TaskState = "pending_authorization"
	TaskAuthorized           TaskState = "authorized"
	TaskProcessing           TaskState = "processing"
	TaskPublishing           TaskState = "publishing"
	TaskAttesting            TaskState = "attesting"
	TaskCompleted            TaskState = "completed"
	TaskFailed               TaskState = "failed"
	TaskCancelled            TaskState = "cancelled"
)

// forwardPath is the only sequence of non-terminal states a task may walk.
var forwardPath = []TaskState{
	TaskReceived,
	TaskValidating,
	TaskCreating,
	TaskPendingAuthorization,
	TaskAuthorized,
	TaskProcessing,
	TaskPublishing,
	TaskAttesting,
	TaskCompleted,
}

// AllTaskStates lists every state in lifecycle order, terminal failures last.
func AllTaskStates() []TaskState {
	out := make([]TaskState, 0, len(forwardPath)+2)
	out = append(out, forwardPath...)
	return append(out, TaskFailed, TaskCancelled)
}

// IsTerminal reports whether no further transition is possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskFailed, TaskCancelled:
		return true
	}
	for _, st := range forwardPath {
		if st == s {
			return true
		}
	}
	return false
}

// NextForward returns the state that directly follows s on the happy path.
func (s TaskState) NextForward() (TaskState, bool) {
	for i, st := range forwardPath {
		if st == s && i+1 < len(forwardPath) {
			return forwardPath[i+1], true
		}
	}
	return "", false
}

// IsFinalizing reports whether s belongs to the post-authorization pipeline
// that a finalize worker owns.
func (s TaskState) IsFinalizing() bool {
	switch s {
	case TaskAuthorized, TaskProcessing, TaskPublishing, TaskAttesting:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the task graph.
// Failed is reachable from any non-terminal state, Cancelled only from
// PendingAuthorization, and every other move advances exactly one step.
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() || !from.IsValid() {
		return false
	}
	switch to {
	case TaskFailed:
		return true
	case TaskCancelled:
		return from == TaskPendingAuthorization
	}
	next, ok := from.NextForward()
	return ok && next == to
}

// IsValidPath reports whether states is a walk through the task graph that
// starts at Received.
func IsValidPath(states []TaskState) bool {
	if len(states) == 0 || states[0] != TaskReceived {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
