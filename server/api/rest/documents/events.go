package documents

import "github.com/codegraphhq/codegraph/common/models"

// Event is one progress event as delivered over the events endpoint and the
// status WebSocket.
type Event struct {
	SequenceNumber models.EventNumber `json:"sequence_number"`
	CreatedAt      models.Time        `json:"created_at"`
	JobID          models.JobID       `json:"job_id"`
	Status         models.JobStatus   `json:"status"`
	Step           string             `json:"step,omitempty"`
	StepStatus     models.StepStatus  `json:"step_status,omitempty"`
	// Progress is the step's own progress; OverallProgress spans the job.
	Progress        float64  `json:"progress"`
	OverallProgress float64  `json:"overall_progress"`
	Message         string   `json:"message,omitempty"`
	Error           string   `json:"error,omitempty"`
	CPUPercent      *float64 `json:"cpu_percent,omitempty"`
	MemoryMB        *float64 `json:"memory_mb,omitempty"`
}

func MakeEvent(event *models.ProgressEvent) *Event {
	return &Event{
		SequenceNumber: event.SequenceNumber,
		CreatedAt:      event.CreatedAt,
		JobID:          event.JobID,
		Status:         event.Status,
		Step:            event.Step,
		StepStatus:      event.StepStatus,
		Progress:        event.Progress,
		OverallProgress: event.OverallProgress,
		Message:         event.Message,
		Error:           event.Error,
		CPUPercent:      event.CPUPercent,
		MemoryMB:        event.MemoryMB,
	}
}

func MakeEvents(events []*models.ProgressEvent) []*Event {
	docs := make([]*Event, 0, len(events))
	for _, event := range events {
		docs = append(docs, MakeEvent(event))
	}
	return docs
}
