package services

import (
	"context"

	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/store"
)

// Step is a single unit of work in an ingestion pipeline. Implementations
// must support the full capability set; entries discovered at runtime that
// do not are skipped by the registry.
type Step interface {
	// Run executes the step to completion, returning a result document.
	Run(ctx context.Context, stepCtx *StepContext) (map[string]interface{}, error)
	// Status reports the step's current lifecycle state.
	Status() models.StepStatus
	// Stop asks the step to halt gracefully, keeping partial results.
	Stop(ctx context.Context) error
	// Cancel interrupts the step, discarding in-flight work.
	Cancel(ctx context.Context) error
	// IngestionUpdate delivers an incremental update to a running step.
	IngestionUpdate(ctx context.Context, update map[string]interface{}) error
}

// StepFactory instantiates a Step from its (already filtered) options.
type StepFactory func(options map[string]interface{}) (Step, error)

// StepContext carries per-run information into a Step.
type StepContext struct {
	JobID   models.JobID
	Source  string
	Options map[string]interface{}
	// Report publishes step progress (0-100) with a human readable message.
	Report func(progress float64, message string)
	// ReportUsage publishes a resource usage sample for the step.
	ReportUsage func(cpuPercent, memoryMB float64)
}

type RegistryService interface {
	// Register adds a step factory under the given name.
	// Returns gerror.ErrCodeValidationFailed for malformed or duplicate names.
	Register(name string, factory StepFactory) error
	// RegisterExternal offers a discovered plugin entry point. Candidates
	// that do not provide the step capability set are logged and skipped.
	RegisterExternal(name string, candidate interface{})
	// Discover returns the sorted names of all registered steps, including
	// builtins.
	Discover() []string
	// Find resolves a step name to its factory. Explicitly registered steps
	// win; otherwise builtin steps are used as a fallback.
	// Returns gerror.ErrCodeNotFound for unknown names.
	Find(name string) (StepFactory, error)
}

// TaskSpec describes a task to hand to the broker. Args are serialized to
// JSON at dispatch time.
type TaskSpec struct {
	Name string
	Args interface{}
	// Queue defaults to models.QueueDefault when empty.
	Queue models.QueueName
	// NotBefore delays execution until an absolute time.
	NotBefore *models.Time
}

type BrokerService interface {
	// Dispatch enqueues a task and returns its ID.
	// Returns gerror.ErrCodeStepDispatch if the task cannot be accepted.
	Dispatch(ctx context.Context, txOrNil *store.Tx, spec *TaskSpec) (models.TaskID, error)
	// Inspect reports the broker's view of a task. When the broker cannot be
	// queried the returned status has state TaskStateUnknown; Inspect never
	// returns an error for missing or unreachable state.
	Inspect(ctx context.Context, taskID models.TaskID) *models.TaskStatus
	// Revoke cancels a task. Pending tasks move straight to the revoked
	// state; running tasks are interrupted when terminate is true.
	// Idempotent.
	Revoke(ctx context.Context, taskID models.TaskID, terminate bool) error
	// InspectWorkers reports the active worker fleet.
	InspectWorkers(ctx context.Context) (*models.WorkerFleetStatus, error)
	// RegisterHandler binds a task name to its handler. Dispatching a name
	// with no registered handler is an error.
	RegisterHandler(name string, handler TaskHandler)
	// IsHealthy reports whether the broker's backing store is reachable.
	IsHealthy(ctx context.Context) error
}

// TaskHandler executes a claimed task. The raw JSON args are the TaskSpec's
// serialized Args. A handler's returned document is recorded as the task
// result; a returned error marks the task failed.
type TaskHandler func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error)

// Subscription is a live feed of progress events for one job. The channel
// is closed after a terminal event is delivered or the subscription context
// ends.
type Subscription interface {
	Events() <-chan *models.ProgressEvent
	Close()
}

type ProgressService interface {
	// Publish appends an event to the job's progress channel and updates the
	// latest-value cache. Events are sequence numbered per job in publish
	// order.
	Publish(ctx context.Context, txOrNil *store.Tx, event *models.ProgressEvent) error
	// Latest returns the most recent event for a job from the latest-value
	// cache. Returns gerror.ErrCodeNotFound if the cache has no entry.
	Latest(ctx context.Context, jobID models.JobID) (*models.ProgressEvent, error)
	// FetchEvents reads events for a job after lastEventNumber, in sequence
	// order, up to limit events.
	FetchEvents(ctx context.Context, txOrNil *store.Tx, jobID models.JobID, lastEventNumber models.EventNumber, limit int) ([]*models.ProgressEvent, error)
	// Subscribe opens a live feed for a job. The cached latest event, if
	// any, is replayed first.
	Subscribe(ctx context.Context, jobID models.JobID) (Subscription, error)
}

// RunStepPayload is the JSON payload of a run_step task.
type RunStepPayload struct {
	JobID    models.JobID           `json:"job_id"`
	StepName string                 `json:"step_name"`
	Source   string                 `json:"source"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type RunnerService interface {
	// RunStep executes a single pipeline step. Failures are reported through
	// the returned error; the runner's task handler converts them into a
	// failed task result rather than letting them escape the task boundary.
	RunStep(ctx context.Context, payload *RunStepPayload) (map[string]interface{}, error)
}

type OrchestratorService interface {
	// OrchestratePipeline runs the request's steps in order, dispatching
	// each as a run_step task and waiting for its terminal state. Returns
	// the merged result document for the job.
	OrchestratePipeline(ctx context.Context, request *models.IngestionRequest) (map[string]interface{}, error)
}

type SchedulerService interface {
	// Unmet returns the subset of deps that have not completed.
	Unmet(ctx context.Context, deps []string) ([]string, error)
	// Hold parks the request in the waiting queue until its dependencies
	// complete, publishing a pending event naming the unmet dependencies.
	Hold(ctx context.Context, request *models.IngestionRequest, unmet []string) error
	// ReleaseReady starts every waiting job whose dependencies are all
	// complete. Called after a job reaches the completed state. Each waiting
	// entry is released at most once.
	ReleaseReady(ctx context.Context, completedJobID models.JobID) error
	// Waiting reads the waiting entry for a job, or gerror.ErrCodeNotFound
	// if the job is not being held.
	Waiting(ctx context.Context, jobID models.JobID) (*models.WaitingEntry, error)
	// Drop removes a waiting entry. Idempotent.
	Drop(ctx context.Context, jobID models.JobID) error
}

type IngestionService interface {
	// Start validates and accepts an ingestion request. Jobs with unmet
	// dependencies are held in the waiting queue; all other jobs have their
	// pipeline dispatched to the broker.
	Start(ctx context.Context, request *models.IngestionRequest) (*models.Job, error)
	// Launch dispatches the pipeline for an already accepted request. Used
	// for jobs released from the waiting queue.
	Launch(ctx context.Context, request *models.IngestionRequest) error
	// Get returns the current state of a job, joining the job record with
	// the latest-value cache and the waiting queue.
	// Returns gerror.ErrCodeNotFound if the job is unknown everywhere.
	Get(ctx context.Context, jobID models.JobID) (*models.Job, error)
	// Cancel stops a job. Idempotent: cancelling a terminal job reports its
	// current state without error.
	Cancel(ctx context.Context, jobID models.JobID) (*models.Job, error)
	// List returns a page of jobs matching the query.
	List(ctx context.Context, query *models.JobQuery) (*models.JobPage, error)
}

// HealthStatus summarizes overall service health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the health check result document.
type HealthReport struct {
	Status     HealthStatus      `json:"status"`
	Components map[string]string `json:"components"`
}

type HealthService interface {
	// Check probes the broker and supporting components. Never panics; a
	// completely unreachable broker reports HealthUnhealthy.
	Check(ctx context.Context) *HealthReport
}
