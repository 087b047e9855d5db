package models

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// JobMetadata is set by the jobs store and never by callers.
type JobMetadata struct {
	ID        JobID `json:"id" db:"job_id"`
	CreatedAt Time  `json:"created_at" db:"job_created_at"`
	UpdatedAt Time  `json:"updated_at" db:"job_updated_at"`
	ETag      ETag  `json:"etag" db:"job_etag"`
}

// JobData is the mutable state of an ingestion job.
type JobData struct {
	Status     JobStatus  `json:"status" db:"job_status"`
	Source     string     `json:"source" db:"job_source"`
	SourceKind SourceKind `json:"source_kind" db:"job_source_kind"`
	Branch     string     `json:"branch,omitempty" db:"job_branch"`
	Priority   QueueName  `json:"priority" db:"job_priority"`
	// Request is the accepted ingestion request, retained so held jobs can
	// be started later and cancelled jobs can be inspected.
	Request JSONMap `json:"request,omitempty" db:"job_request"`
	// CurrentStep is the name of the step the pipeline is executing.
	CurrentStep     string          `json:"current_step,omitempty" db:"job_current_step"`
	Steps           StepProgressMap `json:"steps" db:"job_steps"`
	OverallProgress float64         `json:"overall_progress" db:"job_overall_progress"`
	// OrchestratorTaskID is the broker task driving this job's pipeline.
	OrchestratorTaskID string  `json:"orchestrator_task_id,omitempty" db:"job_orchestrator_task_id"`
	Result             JSONMap `json:"result,omitempty" db:"job_result"`
	Error              string  `json:"error,omitempty" db:"job_error"`
	StartedAt          *Time   `json:"started_at,omitempty" db:"job_started_at"`
	CompletedAt        *Time   `json:"completed_at,omitempty" db:"job_completed_at"`
}

type Job struct {
	JobMetadata
	JobData
}

func NewJob(now Time, request *IngestionRequest) *Job {
	steps := make(StepProgressMap, len(request.Steps))
	for _, step := range request.Steps {
		steps[step.Name] = &StepProgress{
			Name:   step.Name,
			Status: StepStatusPending,
		}
	}
	requestDoc := JSONMap{}
	if buf, err := json.Marshal(request); err == nil {
		_ = json.Unmarshal(buf, &requestDoc)
	}
	return &Job{
		JobMetadata: JobMetadata{
			ID:        request.JobID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		JobData: JobData{
			Status:     JobStatusPending,
			Source:     request.Source,
			SourceKind: request.SourceKind,
			Branch:     request.Branch,
			Priority:   request.Priority,
			Request:    requestDoc,
			Steps:      steps,
		},
	}
}

func (j *Job) GetID() ResourceID {
	return j.ID.ResourceID
}

// IngestionRequest reconstructs the original request from the stored
// request document.
func (j *Job) IngestionRequest() (*IngestionRequest, error) {
	buf, err := json.Marshal(j.Request)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling stored request")
	}
	request := &IngestionRequest{}
	if err := json.Unmarshal(buf, request); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling stored request")
	}
	request.JobID = j.ID
	return request, nil
}

func (j *Job) Validate() error {
	var result *multierror.Error
	if !j.ID.Valid() {
		result = multierror.Append(result, fmt.Errorf("error id must be set"))
	}
	if j.CreatedAt.IsZero() {
		result = multierror.Append(result, fmt.Errorf("error created at must be set"))
	}
	if !j.Status.Valid() {
		result = multierror.Append(result, fmt.Errorf("error status %q is not valid", j.Status))
	}
	if j.Source == "" {
		result = multierror.Append(result, fmt.Errorf("error source must be set"))
	}
	if !j.Priority.Valid() {
		result = multierror.Append(result, fmt.Errorf("error priority %q is not a known queue", j.Priority))
	}
	return result.ErrorOrNil()
}
