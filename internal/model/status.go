package model

import "fmt"

// StepStatus tracks a step through pending → running → terminal.
// A retry is running → running with attempts incremented.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepOK         StepStatus = "ok"
	StepFailed     StepStatus = "failed"
	StepNeedsHuman StepStatus = "needs_human"
	StepSkipped    StepStatus = "skipped"
)

// JobStatus is the terminal outcome recorded in the job result.
type JobStatus string

const (
	JobOK         JobStatus = "ok"
	JobFailed     JobStatus = "failed"
	JobNeedsHuman JobStatus = "needs_human"
)

// QueueState names the queue directory a job file lives in.
type QueueState string

const (
	QueuePending          QueueState = "pending"
	QueueRunning          QueueState = "running"
	QueueDone             QueueState = "done"
	QueueFailed           QueueState = "failed"
	QueueAwaitingApproval QueueState = "awaiting_approval"
)

// QueueStates in scan order. pending and running are non-terminal.
var QueueStates = []QueueState{
	QueuePending, QueueRunning, QueueDone, QueueFailed, QueueAwaitingApproval,
}

var terminalStepStatuses = map[StepStatus]bool{
	StepOK:         true,
	StepFailed:     true,
	StepNeedsHuman: true,
	StepSkipped:    true,
}

var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepRunning: true,
		StepSkipped: true,
		StepFailed:  true, // transition budget exhausted before the step ran
	},
	StepRunning: {
		StepRunning:    true, // retry, attempts++
		StepOK:         true,
		StepFailed:     true,
		StepNeedsHuman: true,
		StepSkipped:    true,
	},
	StepFailed: {
		StepNeedsHuman: true, // ask_human escalation after retries
	},
}

// Queue file moves: pending → running → done|failed|awaiting_approval,
// running → pending (reclaim/unlock), awaiting_approval → pending (approve).
var validQueueTransitions = map[QueueState]map[QueueState]bool{
	QueuePending: {
		QueueRunning: true,
		QueueFailed:  true, // reclaim cap exceeded
	},
	QueueRunning: {
		QueuePending:          true,
		QueueDone:             true,
		QueueFailed:           true,
		QueueAwaitingApproval: true,
	},
	QueueAwaitingApproval: {
		QueuePending: true,
	},
}

func IsStepTerminal(s StepStatus) bool {
	return terminalStepStatuses[s]
}

func IsQueueTerminal(s QueueState) bool {
	return s == QueueDone || s == QueueFailed
}

// ValidateStepTransition guards JobState.Touch. Terminal statuses have
// no forward transitions except failed → needs_human; a goto or approve
// reset re-arms a record to pending directly, outside Touch.
func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q to %q", from, to)
	}
	return nil
}

func ValidateQueueTransition(from, to QueueState) error {
	if IsQueueTerminal(from) {
		return fmt.Errorf("cannot transition from terminal queue state %q", from)
	}
	allowed, ok := validQueueTransitions[from]
	if !ok {
		return fmt.Errorf("unknown queue state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid queue transition: %q to %q", from, to)
	}
	return nil
}

// JobStatusForQueue maps a job outcome to its queue destination.
func JobStatusForQueue(s JobStatus) QueueState {
	switch s {
	case JobOK:
		return QueueDone
	case JobNeedsHuman:
		return QueueAwaitingApproval
	default:
		return QueueFailed
	}
}
