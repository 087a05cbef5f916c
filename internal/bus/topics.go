package bus

// Task lifecycle topics.
const (
	TopicInstructionPushed    = "task.ins.pushed"
	TopicInstructionDelivered = "task.ins.delivered"
	TopicResultPushed         = "task.res.pushed"
	TopicResultDelivered      = "task.res.delivered"
	TopicTaskExpired          = "task.expired"
)

// Node lifecycle topics.
const (
	TopicNodeRegistered = "node.registered"
	TopicNodePing       = "node.ping"
	TopicNodeDeleted    = "node.deleted"
)

// Run lifecycle topics.
const (
	TopicRunCreated = "run.created"
	TopicRunDeleted = "run.deleted"
)

// Sweep topic.
const (
	TopicSweepCompleted = "sweep.completed"
)

// TaskEvent is published when a task record is pushed or delivered.
type TaskEvent struct {
	TaskID  string // Task record id
	GroupID string // Correlation group
	RunID   int64  // Owning run
}

// TaskExpiredEvent is published after an expiry sweep removes records.
type TaskExpiredEvent struct {
	Instructions int64 // Expired instruction rows purged
	Results      int64 // Expired result rows purged
}

// NodeEvent is published on node registration, ping, or deletion.
type NodeEvent struct {
	NodeID      int64   // Node id
	OnlineUntil float64 // Unix seconds the node stays online through
}

// RunEvent is published on run creation or deletion.
type RunEvent struct {
	RunID    int64 // Run id
	Cascaded bool  // Whether dependent tasks were removed with the run
}

// SweepEvent is published after a sweep pass finishes.
type SweepEvent struct {
	Instructions int64 // Expired instruction rows purged
	Results      int64 // Expired result rows purged
	Nodes        int64 // Stale node rows pruned (deep pass only)
	DurationMS   int64 // Wall time of the sweep
}
