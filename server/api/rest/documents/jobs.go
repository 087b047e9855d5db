package documents

import (
	"net/http"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/models"
)

// IngestRequest is the body of POST /v1/ingest.
type IngestRequest struct {
	models.IngestionRequest
}

func (d *IngestRequest) Bind(r *http.Request) error {
	// The job ID is always assigned by the server
	d.JobID = models.JobID{}
	d.PopulateDefaults()
	if err := d.Validate(); err != nil {
		return gerror.NewErrValidationFailed("Invalid ingestion request").Wrap(err)
	}
	return nil
}

type Job struct {
	ID        models.JobID `json:"id"`
	CreatedAt models.Time  `json:"created_at"`
	UpdatedAt models.Time  `json:"updated_at"`
	ETag      models.ETag  `json:"etag,omitempty"`

	Status     models.JobStatus  `json:"status"`
	Source     string            `json:"source"`
	SourceKind models.SourceKind `json:"source_kind"`
	Branch     string            `json:"branch,omitempty"`
	Priority   models.QueueName  `json:"priority,omitempty"`
	// CurrentStep is the name of the step the pipeline is executing.
	CurrentStep     string                 `json:"current_step,omitempty"`
	Steps           []*models.StepProgress `json:"steps"`
	OverallProgress float64                `json:"overall_progress"`
	Result          models.JSONMap         `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	StartedAt       *models.Time           `json:"started_at,omitempty"`
	CompletedAt     *models.Time           `json:"completed_at,omitempty"`
}

func MakeJob(job *models.Job) *Job {
	// Steps are returned in a stable order so clients can render them
	steps := make([]*models.StepProgress, 0, len(job.Steps))
	if request, err := job.IngestionRequest(); err == nil && len(request.Steps) > 0 {
		for _, stepConfig := range request.Steps {
			if sp, ok := job.Steps[stepConfig.Name]; ok {
				steps = append(steps, sp)
			}
		}
	}
	if len(steps) < len(job.Steps) {
		for _, sp := range job.Steps {
			if !containsStep(steps, sp.Name) {
				steps = append(steps, sp)
			}
		}
	}
	return &Job{
		ID:              job.ID,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		ETag:            job.ETag,
		Status:          job.Status,
		Source:          job.Source,
		SourceKind:      job.SourceKind,
		Branch:          job.Branch,
		Priority:        job.Priority,
		CurrentStep:     job.CurrentStep,
		Steps:           steps,
		OverallProgress: job.OverallProgress,
		Result:          job.Result,
		Error:           job.Error,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func containsStep(steps []*models.StepProgress, name string) bool {
	for _, sp := range steps {
		if sp.Name == name {
			return true
		}
	}
	return false
}

func MakeJobs(jobs []*models.Job) []*Job {
	docs := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		docs = append(docs, MakeJob(job))
	}
	return docs
}

// JobPage is the response to GET /v1/ingest.
type JobPage struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
}

func MakeJobPage(page *models.JobPage, query *models.JobQuery) *JobPage {
	return &JobPage{
		Jobs:    MakeJobs(page.Jobs),
		Total:   page.Total,
		Limit:   query.Limit,
		Offset:  query.Offset,
		HasMore: page.HasMore,
	}
}
