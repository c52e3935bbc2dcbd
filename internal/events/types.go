package events

// Lifecycle event types. Runs and workers never append workspace events;
// their state lives in the registry.
const (
	InitiativeCreated = "initiative.created"
	InitiativeUpdated = "initiative.updated"
	InitiativeDeleted = "initiative.deleted"

	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"

	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskDeleted       = "task.deleted"
	TaskStatusChanged = "task.status_changed"

	DependencyAdded   = "dependency.added"
	DependencyRemoved = "dependency.removed"

	LeaseClaimed  = "lease.claimed"
	LeaseRenewed  = "lease.renewed"
	LeaseReleased = "lease.released"

	CheckpointCreated  = "checkpoint.created"
	CheckpointRestored = "checkpoint.restored"
	CheckpointPruned   = "checkpoint.pruned"

	SessionStarted = "session.started"
	SessionEnded   = "session.ended"
)

// Entity kinds recorded on events.
const (
	KindInitiative = "initiative"
	KindProject    = "project"
	KindTask       = "task"
	KindSession    = "session"
	KindCheckpoint = "checkpoint"
)

var all = map[string]bool{
	InitiativeCreated: true, InitiativeUpdated: true, InitiativeDeleted: true,
	ProjectCreated: true, ProjectUpdated: true, ProjectDeleted: true,
	TaskCreated: true, TaskUpdated: true, TaskDeleted: true, TaskStatusChanged: true,
	DependencyAdded: true, DependencyRemoved: true,
	LeaseClaimed: true, LeaseRenewed: true, LeaseReleased: true,
	CheckpointCreated: true, CheckpointRestored: true, CheckpointPruned: true,
	SessionStarted: true, SessionEnded: true,
}

// Known reports whether t is one of the fixed lifecycle event types.
func Known(t string) bool {
	return all[t]
}
