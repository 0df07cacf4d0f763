package bus

// Queue lifecycle topics.
const (
	TopicTaskEnqueued       = "task.enqueued"
	TopicTaskStateChanged   = "task.state_changed"
	TopicTaskCompleted      = "task.completed"
	TopicTaskFailed         = "task.failed"
	TopicTaskLeaseReclaimed = "task.lease_reclaimed"
	TopicTraceAppended      = "trace.appended"
	TopicActionExecuted     = "action.executed"
)

// TaskStateChangedEvent is published on every task status transition.
type TaskStateChangedEvent struct {
	TaskID string
	Kind   string
	Room   string
	From   string
	To     string
}

// TraceAppendedEvent is published when a trace event lands in the ledger.
type TraceAppendedEvent struct {
	TraceID string
	TaskID  string
	Stage   string
	Status  string
}

// ActionExecutedEvent is published after a safe admin action commits.
type ActionExecutedEvent struct {
	AuditID    int64
	Action     string
	TaskID     string
	NewTaskID  string
	Operator   string
	PrevStatus string
	NewStatus  string
}
