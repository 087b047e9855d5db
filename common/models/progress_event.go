package models

// EventNumber is a per-job sequence number. Numbering starts at 1 and
// increases by 1 with each event published for the job.
type EventNumber uint64

// ProgressEventMetadata is set by the events store and never by callers.
type ProgressEventMetadata struct {
	ID        EventID `json:"id" db:"event_id"`
	CreatedAt Time    `json:"created_at" db:"event_created_at"`
	// SequenceNumber orders events within a job.
	SequenceNumber EventNumber `json:"sequence_number" db:"event_sequence_number"`
}

// ProgressEventData is the payload published to job subscribers.
type ProgressEventData struct {
	JobID  JobID     `json:"job_id" db:"event_job_id"`
	Status JobStatus `json:"status" db:"event_status"`
	// Step is the name of the step this event refers to, empty for
	// job-level events.
	Step       string     `json:"step,omitempty" db:"event_step"`
	StepStatus StepStatus `json:"step_status,omitempty" db:"event_step_status"`
	// Progress is the step's progress for step-level events, 0 to 100. For
	// job-level events it equals OverallProgress.
	Progress float64 `json:"progress" db:"event_progress"`
	// OverallProgress is the job's progress across all steps, 0 to 100.
	OverallProgress float64 `json:"overall_progress" db:"event_overall_progress"`
	Message         string  `json:"message,omitempty" db:"event_message"`
	Error           string  `json:"error,omitempty" db:"event_error"`
	// CPUPercent and MemoryMB carry the step's resource usage sample when
	// the step reported one.
	CPUPercent *float64 `json:"cpu_percent,omitempty" db:"event_cpu_percent"`
	MemoryMB   *float64 `json:"memory_mb,omitempty" db:"event_memory_mb"`
}

type ProgressEvent struct {
	ProgressEventMetadata
	ProgressEventData
}

func NewProgressEventData(jobID JobID, status JobStatus, step string, stepStatus StepStatus, progress float64, message string) *ProgressEvent {
	return &ProgressEvent{
		ProgressEventData: ProgressEventData{
			JobID:           jobID,
			Status:          status,
			Step:            step,
			StepStatus:      stepStatus,
			Progress:        progress,
			OverallProgress: progress,
			Message:         message,
		},
	}
}

func (e *ProgressEvent) GetID() ResourceID {
	return e.ID.ResourceID
}

// IsTerminal reports whether this event ends a subscription.
func (e *ProgressEvent) IsTerminal() bool {
	return e.Status.HasFinished()
}
