package bus

// Task queue topics.
const (
	TopicTaskEnqueued     = "task.enqueued"
	TopicTaskClaimed      = "task.claimed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskFailed       = "task.failed"
	TopicTaskLeaseExpired = "task.lease_expired"
	TopicTaskHeartbeat    = "task.heartbeat"
)

// Policy engine topics.
const (
	TopicPolicyDecision           = "policy.decision"
	TopicPolicyEscalationCreated  = "policy.escalation.created"
	TopicPolicyEscalationResolved = "policy.escalation.resolved"
	TopicPolicyBundleActivated    = "policy.bundle.activated"
)

// Memory engine topics.
const (
	TopicMemoryIndexed   = "memory.indexed"
	TopicMemoryRetrieved = "memory.retrieved"
	TopicMemoryRetired   = "memory.retired"
	TopicMemoryDeleted   = "memory.deleted"
)

// TaskStateChangedEvent is published after a task transition commits.
type TaskStateChangedEvent struct {
	TenantID  string
	TaskID    string
	RunID     string
	OldStatus string
	NewStatus string
	WorkerID  string
	Retry     int
}

// DecisionEvent is published after a policy decision row is persisted.
type DecisionEvent struct {
	TenantID     string
	DecisionID   string
	Action       string
	Actor        string
	Resource     string
	Decision     string
	RiskLevel    string
	RateLimited  bool
	EscalationID string
}

// EscalationEvent is published when an escalation is opened or resolved.
type EscalationEvent struct {
	TenantID     string
	EscalationID string
	DecisionID   string
	Status       string
}

// BundleActivatedEvent is published when the active rule bundle version changes.
type BundleActivatedEvent struct {
	Version string
}

// MemoryEvent is published for memory record lifecycle changes.
type MemoryEvent struct {
	TenantID string
	RecordID string
	Repo     string
	Kind     string
}
