package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Initiative struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Status      string   `json:"status" enum:"active,paused,done,archived"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	Version     int64    `json:"version"`
}

type Project struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Status      string   `json:"status" enum:"active,paused,done,archived"`
	Tags        []string `json:"tags,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	Version     int64    `json:"version"`
}

type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"draft,todo,in_progress,blocked,done"`
	Priority    int      `json:"priority"`
	Output      string   `json:"output,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Lease       *Lease   `json:"lease,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
	Version     int64    `json:"version"`
}

type Lease struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Expired reports whether the lease has lapsed at the given instant. An
// expired lease is logically absent everywhere it is read.
func (l Lease) Expired(now time.Time) bool {
	exp, _ := time.Parse(time.RFC3339Nano, l.ExpiresAt)
	return !now.Before(exp)
}

type Session struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Mode        string   `json:"mode,omitempty"`
	FocusTaskID string   `json:"focus_task_id,omitempty"`
	Projects    []string `json:"projects,omitempty"`
	Status      string   `json:"status" enum:"active,ended"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	EndedAt     *string  `json:"ended_at,omitempty" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	Version     int64    `json:"version"`
}

type Checkpoint struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	Seq        int64  `json:"seq"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Worker struct {
	ID           string   `json:"id"`
	Runner       string   `json:"runner"`
	InstancePath string   `json:"instance_path"`
	EventType    string   `json:"event_type"`
	Filters      []string `json:"filters,omitempty"`
	Concurrency  int      `json:"concurrency"`
	Status       string   `json:"status" enum:"starting,running,error,stopping,stopped"`
	ErrorReason  string   `json:"error_reason,omitempty"`
	Cursor       int64    `json:"cursor"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	StoppedAt    *string  `json:"stopped_at,omitempty" format:"date-time"`
}

type Run struct {
	ID           string   `json:"id"`
	WorkerID     string   `json:"worker_id"`
	EventID      int64    `json:"event_id"`
	EventType    string   `json:"event_type"`
	EntityID     string   `json:"entity_id,omitempty"`
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	Env          []string `json:"env,omitempty"`
	Status       string   `json:"status" enum:"pending,running,succeeded,failed,retrying"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Attempt      int      `json:"attempt"`
	MaxAttempts  int      `json:"max_attempts"`
	NextRetryAt  string   `json:"next_retry_at,omitempty"`
	PID          *int     `json:"pid,omitempty"`
	LogPath      string   `json:"log_path,omitempty"`
	Paused       bool     `json:"paused"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// Task statuses. Draft tasks are invisible to scheduling.
const (
	TaskDraft      = "draft"
	TaskTodo       = "todo"
	TaskInProgress = "in_progress"
	TaskBlocked    = "blocked"
	TaskDone       = "done"
)

const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunRetrying  = "retrying"
)

const (
	WorkerStarting = "starting"
	WorkerRunning  = "running"
	WorkerError    = "error"
	WorkerStopping = "stopping"
	WorkerStopped  = "stopped"
)

// ErrorReason value for a worker whose instance path is gone.
const ReasonInstanceMissing = "instance_missing"

const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

const (
	PriorityMin     = 0
	PriorityMax     = 3
	PriorityDefault = 2
)

// NewID returns a prefixed short identifier, e.g. "task-3f9c01ab".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// ParsePriority accepts "P0".."P3" or a bare digit.
func ParsePriority(s string) (int, error) {
	v := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P")
	switch v {
	case "0", "1", "2", "3":
		return int(v[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid priority %q (want P0..P3)", s)
}

// PriorityLabel renders a stored priority as "P2".
func PriorityLabel(p int) string {
	return fmt.Sprintf("P%d", p)
}

func ValidTaskStatus(s string) bool {
	switch s {
	case TaskDraft, TaskTodo, TaskInProgress, TaskBlocked, TaskDone:
		return true
	}
	return false
}

// JoinTags flattens tags for storage; SplitTags reverses it.
func JoinTags(tags []string) string {
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}

func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
