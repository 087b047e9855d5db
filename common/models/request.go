package models

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// QueueName selects the broker queue a job's tasks are dispatched to.
type QueueName string

const (
	QueueHigh    QueueName = "high"
	QueueDefault QueueName = "default"
	QueueLow     QueueName = "low"
)

func (q QueueName) Valid() bool {
	switch q {
	case QueueHigh, QueueDefault, QueueLow:
		return true
	default:
		return false
	}
}

// Queues lists all queues in claim order. Workers drain high before default
// before low.
func Queues() []QueueName {
	return []QueueName{QueueHigh, QueueDefault, QueueLow}
}

// SourceKind says what the request's source field points at.
type SourceKind string

const (
	SourceKindLocalPath  SourceKind = "local_path"
	SourceKindGitURL     SourceKind = "git_url"
	SourceKindGitHubURL  SourceKind = "github_url"
	SourceKindGitHubRepo SourceKind = "github_repo"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindLocalPath, SourceKindGitURL, SourceKindGitHubURL, SourceKindGitHubRepo:
		return true
	default:
		return false
	}
}

// DefaultPipelineSteps is the pipeline run when a request does not name its
// steps.
func DefaultPipelineSteps() []StepConfig {
	return []StepConfig{
		{Name: "filesystem"},
		{Name: "blarify"},
		{Name: "summarizer"},
		{Name: "docgrapher"},
	}
}

// IngestionRequest describes a pipeline to run against a source. It is the
// payload of POST /v1/ingest and of the orchestrate_pipeline task.
type IngestionRequest struct {
	// JobID is assigned by the server when the request is accepted.
	JobID JobID `json:"job_id,omitempty"`
	// Source is the location to ingest, e.g. a repository URL or a path.
	Source     string       `json:"source"`
	SourceKind SourceKind   `json:"source_type,omitempty"`
	Branch     string       `json:"branch,omitempty"`
	Steps      []StepConfig `json:"steps,omitempty"`
	// Retry applies to every step that does not set its own policy.
	Retry    RetryPolicy `json:"retry,omitempty"`
	Priority QueueName   `json:"priority,omitempty"`
	// Dependencies lists job IDs that must complete before this job starts.
	Dependencies []string `json:"dependencies,omitempty"`
	// ETA delays the pipeline until an absolute time.
	ETA *Time `json:"eta,omitempty"`
	// CountdownSeconds delays the pipeline by a relative duration. Ignored
	// when ETA is set.
	CountdownSeconds float64 `json:"countdown_seconds,omitempty"`
	// IgnorePatterns are passed through to steps that support them.
	IgnorePatterns []string `json:"ignore_patterns,omitempty"`
	Incremental    bool     `json:"incremental,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
}

// PopulateDefaults fills optional fields that have server-side defaults.
// An omitted steps list gets the default pipeline; an explicitly empty list
// stays empty and completes immediately. Unknown priorities fall through to
// the default queue rather than failing validation.
func (r *IngestionRequest) PopulateDefaults() {
	if r.SourceKind == "" {
		r.SourceKind = SourceKindGitURL
	}
	if !r.Priority.Valid() {
		r.Priority = QueueDefault
	}
	if r.Steps == nil {
		r.Steps = DefaultPipelineSteps()
	}
}

func (r *IngestionRequest) Validate() error {
	var result *multierror.Error
	if r.Source == "" {
		result = multierror.Append(result, fmt.Errorf("error source must be set"))
	}
	if !r.SourceKind.Valid() {
		result = multierror.Append(result, fmt.Errorf("error source_type %q is not valid", r.SourceKind))
	}
	if r.SourceKind == SourceKindLocalPath && r.Branch != "" {
		result = multierror.Append(result, fmt.Errorf("error a local_path source cannot have a branch"))
	}
	if err := r.Retry.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.CountdownSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("error countdown_seconds must not be negative"))
	}
	seen := make(map[string]bool, len(r.Steps))
	for _, step := range r.Steps {
		if err := step.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
		if seen[step.Name] {
			result = multierror.Append(result, fmt.Errorf("error duplicate step name %q", step.Name))
		}
		seen[step.Name] = true
	}
	for _, dep := range r.Dependencies {
		if _, err := ParseJobID(dep); err != nil {
			result = multierror.Append(result, fmt.Errorf("error dependency %q is not a job id", dep))
		}
	}
	return result.ErrorOrNil()
}

// NotBefore resolves the request's ETA or countdown into an absolute time,
// or nil when the job should start immediately.
func (r *IngestionRequest) NotBefore(now time.Time) *Time {
	if r.ETA != nil {
		return r.ETA
	}
	if r.CountdownSeconds > 0 {
		return NewTimePtr(now.Add(time.Duration(r.CountdownSeconds * float64(time.Second))))
	}
	return nil
}

// StepNames returns the configured step names in pipeline order.
func (r *IngestionRequest) StepNames() []string {
	names := make([]string, len(r.Steps))
	for i, step := range r.Steps {
		names[i] = step.Name
	}
	return names
}
