package models

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Task names understood by the worker fleet.
const (
	TaskNameOrchestratePipeline = "orchestrate_pipeline"
	TaskNameRunStep             = "run_step"
)

// TaskMetadata is set by the tasks store and never by callers.
type TaskMetadata struct {
	ID        TaskID `json:"id" db:"task_id"`
	CreatedAt Time   `json:"created_at" db:"task_created_at"`
	UpdatedAt Time   `json:"updated_at" db:"task_updated_at"`
	ETag      ETag   `json:"etag" db:"task_etag"`
}

// TaskData is the mutable state of a broker task.
type TaskData struct {
	Name  string    `json:"name" db:"task_name"`
	Queue QueueName `json:"queue" db:"task_queue"`
	// Args is the JSON-serialized task payload.
	Args  string    `json:"args" db:"task_args"`
	State TaskState `json:"state" db:"task_state"`
	// NotBefore delays the task until an absolute time.
	NotBefore *Time `json:"not_before,omitempty" db:"task_not_before"`
	// Attempts counts the times a worker has claimed this task.
	Attempts int `json:"attempts" db:"task_attempts"`
	// AllocatedTo is the worker currently holding the task.
	AllocatedTo string `json:"allocated_to,omitempty" db:"task_allocated_to"`
	// AllocatedUntil is the deadline after which the allocation is considered
	// abandoned and the task can be reclaimed.
	AllocatedUntil *Time `json:"allocated_until,omitempty" db:"task_allocated_until"`
	// Revoked marks the task as revoked. Pending tasks move straight to the
	// revoked state; running tasks are interrupted by their worker.
	Revoked bool `json:"revoked" db:"task_revoked"`
	// Terminate requests that a revoked running task be interrupted rather
	// than allowed to finish.
	Terminate  bool   `json:"terminate" db:"task_terminate"`
	Result     string `json:"result,omitempty" db:"task_result"`
	Error      string `json:"error,omitempty" db:"task_error"`
	FinishedAt *Time  `json:"finished_at,omitempty" db:"task_finished_at"`
}

type Task struct {
	TaskMetadata
	TaskData
}

func NewTask(now Time, name string, queue QueueName, args string, notBefore *Time) *Task {
	return &Task{
		TaskMetadata: TaskMetadata{
			ID:        NewTaskID(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		TaskData: TaskData{
			Name:      name,
			Queue:     queue,
			Args:      args,
			State:     TaskStatePending,
			NotBefore: notBefore,
		},
	}
}

func (t *Task) GetID() ResourceID {
	return t.ID.ResourceID
}

func (t *Task) Validate() error {
	var result *multierror.Error
	if !t.ID.Valid() {
		result = multierror.Append(result, fmt.Errorf("error id must be set"))
	}
	if t.Name == "" {
		result = multierror.Append(result, fmt.Errorf("error name must be set"))
	}
	if !t.Queue.Valid() {
		result = multierror.Append(result, fmt.Errorf("error queue %q is not a known queue", t.Queue))
	}
	return result.ErrorOrNil()
}

// TaskStatus is the broker's view of a task, as returned by Inspect.
type TaskStatus struct {
	TaskID   string    `json:"task_id"`
	Name     string    `json:"name,omitempty"`
	State    TaskState `json:"state"`
	Queue    QueueName `json:"queue,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}
