package bus

// Plan lifecycle topics. Published after the plan transaction commits, so
// subscribers only ever see durable state.
const (
	TopicPlanCreated  = "plan.created"
	TopicPlanApproved = "plan.approved"
	TopicPlanRejected = "plan.rejected"
)

// Task topics. Published by the REST task handlers after the store write
// commits; a no-op status move publishes nothing.
const (
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskProgress      = "task.progress"
)

// PlanEvent is published on plan.created, plan.approved, and plan.rejected.
type PlanEvent struct {
	ParentTaskID  string   // Plan parent task ID
	WorkspaceID   string   // Workspace the plan belongs to
	Title         string   // Parent task title
	AgentID       string   // Proposing agent, if any
	SubtaskTitles []string // Child titles in plan order
	Actor         string   // Resolving user; empty on plan.created
}

// TaskStatusEvent is published when a task's board status changes.
type TaskStatusEvent struct {
	TaskID      string // Task ID
	WorkspaceID string // Workspace the task belongs to
	OldStatus   string // Previous status (e.g. inbox)
	NewStatus   string // New status (e.g. in_progress)
	Actor       string // Who moved it
}

// TaskProgressEvent is published when an agent reports progress on a task.
type TaskProgressEvent struct {
	TaskID      string // Task ID
	AgentID     string // Reporting agent
	Progress    int    // Percent complete, 0-100
	CurrentStep string // Free-form description of the current step
}
