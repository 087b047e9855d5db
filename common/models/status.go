package models

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusUnknown    JobStatus = "unknown"
)

func (s JobStatus) String() string {
	return string(s)
}

// HasFinished returns true if the status is terminal. Terminal statuses
// never regress to earlier ones.
func (s JobStatus) HasFinished() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed,
		JobStatusCancelled, JobStatusCancelling, JobStatusUnknown:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusStopped   StepStatus = "stopped"
	StepStatusCancelled StepStatus = "cancelled"
)

func (s StepStatus) String() string {
	return string(s)
}

func (s StepStatus) HasFinished() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusStopped, StepStatusCancelled:
		return true
	default:
		return false
	}
}

// ToJobStatus maps a terminal step status onto the job status it implies.
// A stopped step counts as cancelled at the job level.
func (s StepStatus) ToJobStatus() JobStatus {
	switch s {
	case StepStatusCompleted:
		return JobStatusCompleted
	case StepStatusFailed:
		return JobStatusFailed
	case StepStatusStopped, StepStatusCancelled:
		return JobStatusCancelled
	case StepStatusRunning:
		return JobStatusRunning
	default:
		return JobStatusPending
	}
}

// DeriveJobStatus combines terminal step statuses into a job status.
// Failure dominates cancellation, which dominates completion.
func DeriveJobStatus(steps []StepStatus) JobStatus {
	var (
		anyFailed    bool
		anyCancelled bool
		allCompleted = true
	)
	for _, s := range steps {
		switch s {
		case StepStatusFailed:
			anyFailed = true
		case StepStatusStopped, StepStatusCancelled:
			anyCancelled = true
		}
		if s != StepStatusCompleted {
			allCompleted = false
		}
	}
	switch {
	case anyFailed:
		return JobStatusFailed
	case anyCancelled:
		return JobStatusCancelled
	case allCompleted:
		return JobStatusCompleted
	default:
		return JobStatusRunning
	}
}

// TaskState is the broker-level state of a dispatched task.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateRunning TaskState = "running"
	TaskStateSuccess TaskState = "success"
	TaskStateFailure TaskState = "failure"
	TaskStateRevoked TaskState = "revoked"
	// TaskStateUnknown is reported when the broker cannot be queried.
	TaskStateUnknown TaskState = "unknown"
)

func (s TaskState) String() string {
	return string(s)
}

func (s TaskState) HasFinished() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailure, TaskStateRevoked:
		return true
	default:
		return false
	}
}
