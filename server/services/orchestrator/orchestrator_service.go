package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	// inspectPollInterval is how often a dispatched step task is inspected
	// while the orchestrator waits for it to finish.
	inspectPollInterval = 250 * time.Millisecond
	// finalizeTimeout bounds the job finalization writes that run after the
	// orchestrator's own context has ended.
	finalizeTimeout = 10 * time.Second
)

// OrchestratorService drives a job's pipeline inside an orchestrate_pipeline
// broker task. Steps run strictly in order, each as its own run_step task;
// a failed step is retried per its policy with exponential back-off and a
// step that exhausts its retries fails the whole pipeline, unless it is
// marked continue_on_failure, in which case later steps still run and the
// job finishes failed at the end.
type OrchestratorService struct {
	db               *store.DB
	jobStore         store.JobStore
	brokerService    services.BrokerService
	progressService  services.ProgressService
	schedulerService services.SchedulerService
	clk              clock.Clock
	logger.Log
}

func NewOrchestratorService(
	db *store.DB,
	jobStore store.JobStore,
	brokerService services.BrokerService,
	progressService services.ProgressService,
	schedulerService services.SchedulerService,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *OrchestratorService {
	return &OrchestratorService{
		db:               db,
		jobStore:         jobStore,
		brokerService:    brokerService,
		progressService:  progressService,
		schedulerService: schedulerService,
		clk:              clk,
		Log:              logFactory("OrchestratorService"),
	}
}

// TaskHandler adapts the orchestrator to the broker's task interface.
func (s *OrchestratorService) TaskHandler() services.TaskHandler {
	return func(ctx context.Context, taskID models.TaskID, args []byte) (map[string]interface{}, error) {
		request := &models.IngestionRequest{}
		if err := json.Unmarshal(args, request); err != nil {
			return nil, gerror.NewErrStepDispatch("Unable to parse pipeline payload", err)
		}
		return s.OrchestratePipeline(ctx, request)
	}
}

// OrchestratePipeline runs the request's steps in order and returns the
// merged result document for the job. The job record and progress bus are
// kept current throughout, ending with a terminal event.
func (s *OrchestratorService) OrchestratePipeline(ctx context.Context, request *models.IngestionRequest) (map[string]interface{}, error) {
	jobID := request.JobID
	if err := validateSteps(request.Steps); err != nil {
		s.finalizeJob(jobID, models.JobStatusFailed, nil, err.Error())
		return nil, err
	}

	if len(request.Steps) == 0 {
		// Nothing to do; the job completes immediately
		result := map[string]interface{}{}
		s.finalizeJob(jobID, models.JobStatusCompleted, result, "")
		return result, nil
	}

	s.markJobRunning(ctx, jobID)

	results := make(map[string]interface{})
	var firstErr error
	for _, stepConfig := range request.Steps {
		if cancelled := s.jobCancellationRequested(ctx, jobID); cancelled {
			s.finalizeCancelled(jobID)
			return results, gerror.NewErrStepExecution("Pipeline cancelled", nil).EDetail("job_id", jobID)
		}

		stepResult, err := s.runStepWithRetries(ctx, request, stepConfig)
		if err != nil {
			// A step interrupted because the job is being cancelled must not
			// be recorded as a pipeline failure
			if ctx.Err() != nil || s.jobCancellationRequested(context.Background(), jobID) {
				s.finalizeCancelled(jobID)
				return results, err
			}
			if stepConfig.ContinueOnFailure {
				// The pipeline carries on but the job still ends failed
				if firstErr == nil {
					firstErr = err
				}
				s.Warnf("Step %s of job %s failed, continuing: %v", stepConfig.Name, jobID, err)
				continue
			}
			s.finalizeJob(jobID, models.JobStatusFailed, results, err.Error())
			return results, err
		}
		mergeStepResult(results, jobID, stepResult)
	}

	if firstErr != nil {
		s.finalizeJob(jobID, models.JobStatusFailed, results, firstErr.Error())
		return results, firstErr
	}

	s.finalizeJob(jobID, models.JobStatusCompleted, results, "")
	if err := s.schedulerService.ReleaseReady(context.Background(), jobID); err != nil {
		s.Errorf("Unable to release jobs waiting on %s: %v", jobID, err)
	}
	return results, nil
}

// runStepWithRetries dispatches one step as a run_step task and waits for a
// terminal task state, re-dispatching on failure per the step's retry
// policy. A step with max_retries N is attempted N+1 times in total.
func (s *OrchestratorService) runStepWithRetries(
	ctx context.Context,
	request *models.IngestionRequest,
	stepConfig models.StepConfig,
) (interface{}, error) {
	payload := &services.RunStepPayload{
		JobID:    request.JobID,
		StepName: stepConfig.Name,
		Source:   request.Source,
		Options:  stepOptions(request, stepConfig),
	}

	retry := stepConfig.EffectiveRetry(request.Retry)
	attempts := retry.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var notBefore *models.Time
		if attempt > 0 {
			delay := retry.Delay(attempt - 1)
			notBefore = models.NewTimePtr(s.clk.Now().Add(delay))
			s.Infof("Retrying step %s of job %s in %s (attempt %d of %d)",
				stepConfig.Name, request.JobID, delay, attempt+1, attempts)
		}

		taskID, err := s.brokerService.Dispatch(ctx, nil, &services.TaskSpec{
			Name:      models.TaskNameRunStep,
			Args:      payload,
			Queue:     request.Priority,
			NotBefore: notBefore,
		})
		if err != nil {
			return nil, err
		}

		status, err := s.awaitTask(ctx, request.JobID, taskID)
		if err != nil {
			return nil, err
		}
		switch status.State {
		case models.TaskStateSuccess:
			return parseTaskResult(status.Result), nil
		case models.TaskStateRevoked:
			return nil, gerror.NewErrStepExecution("Step was cancelled", nil).
				EDetail("step", stepConfig.Name)
		default:
			lastErr = gerror.NewErrStepExecution("Step execution failed", fmt.Errorf("%s", status.Error)).
				EDetail("step", stepConfig.Name).
				EDetail("attempt", attempt+1)
		}
	}
	return nil, lastErr
}

// awaitTask polls the broker until the task reaches a terminal state. A
// cancellation request on the job revokes the in-flight task.
func (s *OrchestratorService) awaitTask(ctx context.Context, jobID models.JobID, taskID models.TaskID) (*models.TaskStatus, error) {
	ticker := s.clk.Ticker(inspectPollInterval)
	defer ticker.Stop()
	revoked := false
	for {
		select {
		case <-ctx.Done():
			// The orchestrator itself is being cancelled; take the step task
			// down with it
			if err := s.brokerService.Revoke(context.Background(), taskID, true); err != nil {
				s.Errorf("Unable to revoke step task %s: %v", taskID, err)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status := s.brokerService.Inspect(ctx, taskID)
		if status.State.HasFinished() {
			return status, nil
		}
		if status.State == models.TaskStateUnknown {
			// Transient broker trouble; keep polling
			continue
		}
		if !revoked && s.jobCancellationRequested(ctx, jobID) {
			if err := s.brokerService.Revoke(ctx, taskID, true); err != nil {
				s.Errorf("Unable to revoke step task %s: %v", taskID, err)
			}
			revoked = true
		}
	}
}

func (s *OrchestratorService) jobCancellationRequested(ctx context.Context, jobID models.JobID) bool {
	job, err := s.jobStore.Read(ctx, nil, jobID)
	if err != nil {
		return false
	}
	return job.Status == models.JobStatusCancelling || job.Status == models.JobStatusCancelled
}

func (s *OrchestratorService) markJobRunning(ctx context.Context, jobID models.JobID) {
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, jobID); err != nil {
			return err
		}
		job, err := s.jobStore.Read(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusPending {
			return nil
		}
		now := models.NewTime(s.clk.Now())
		job.Status = models.JobStatusRunning
		job.StartedAt = &now
		if err := s.jobStore.Update(ctx, tx, job); err != nil {
			return err
		}
		event := models.NewProgressEventData(jobID, job.Status, "", "", job.OverallProgress, "pipeline started")
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		s.Errorf("Unable to mark job %s running: %v", jobID, err)
	}
}

// finalizeCancelled marks any unfinished steps cancelled and finalizes the
// job in the cancelled state.
func (s *OrchestratorService) finalizeCancelled(jobID models.JobID) {
	s.finalizeJob(jobID, models.JobStatusCancelled, nil, "")
}

// finalizeJob records the job's terminal state and publishes the terminal
// event. Runs on a fresh context so cancellation of the orchestrator's own
// context cannot suppress it. A job already in a terminal state is left
// untouched.
func (s *OrchestratorService) finalizeJob(jobID models.JobID, status models.JobStatus, results map[string]interface{}, errorText string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, jobID); err != nil {
			return err
		}
		job, err := s.jobStore.Read(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.HasFinished() {
			return nil
		}

		now := models.NewTime(s.clk.Now())
		if status == models.JobStatusCancelled {
			for _, sp := range job.Steps {
				if !sp.Status.HasFinished() {
					sp.Status = models.StepStatusCancelled
					sp.CompletedAt = &now
				}
			}
		}
		// A failed or cancelled step recorded by the runner takes precedence
		// over the status the pipeline loop derived
		job.Status = combineStatus(status, models.DeriveJobStatus(job.Steps.Statuses()))
		job.Error = errorText
		job.CurrentStep = ""
		job.CompletedAt = &now
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		if results != nil {
			job.Result = models.JSONMap(results)
		}
		job.OverallProgress = job.Steps.OverallProgress()
		if job.Status == models.JobStatusCompleted {
			job.OverallProgress = 100
		}
		if err := s.jobStore.Update(ctx, tx, job); err != nil {
			return err
		}

		message := fmt.Sprintf("job %s", job.Status)
		event := models.NewProgressEventData(jobID, job.Status, "", "", job.OverallProgress, message)
		event.Error = errorText
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		s.Errorf("Unable to finalize job %s as %s: %v", jobID, status, err)
	}
}

// combineStatus reconciles the status the pipeline loop decided on with the
// status the recorded step outcomes imply. Failure dominates cancellation,
// which dominates completion.
func combineStatus(requested, derived models.JobStatus) models.JobStatus {
	switch {
	case requested == models.JobStatusFailed || derived == models.JobStatusFailed:
		return models.JobStatusFailed
	case requested == models.JobStatusCancelled || derived == models.JobStatusCancelled:
		return models.JobStatusCancelled
	default:
		return requested
	}
}

// validateSteps rejects pipelines the orchestrator cannot run.
func validateSteps(steps []models.StepConfig) error {
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if err := models.ValidateStepName(step.Name); err != nil {
			return gerror.NewErrValidationFailed("Invalid step name").Wrap(err)
		}
		if seen[step.Name] {
			return gerror.NewErrValidationFailed("Duplicate step name").EDetail("step", step.Name)
		}
		seen[step.Name] = true
	}
	return nil
}

// stepOptions builds the option bag for one step from the step's own options
// plus the request-level pass-through options.
func stepOptions(request *models.IngestionRequest, stepConfig models.StepConfig) map[string]interface{} {
	options := make(map[string]interface{}, len(stepConfig.Options)+4)
	for key, value := range stepConfig.Options {
		options[key] = value
	}
	options["job_id"] = request.JobID.String()
	if len(request.IgnorePatterns) > 0 {
		options["ignore_patterns"] = request.IgnorePatterns
	}
	if request.Incremental {
		options["incremental"] = true
	}
	if stepConfig.TimeoutSeconds > 0 {
		options["timeout"] = stepConfig.TimeoutSeconds
	}
	return options
}

// parseTaskResult turns a task's recorded result back into a document.
func parseTaskResult(raw string) interface{} {
	if raw == "" {
		return nil
	}
	var document map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &document); err == nil {
		return document
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

// mergeStepResult folds one step's result into the job result document. A
// result that is not itself a document is wrapped under the job ID.
func mergeStepResult(results map[string]interface{}, jobID models.JobID, stepResult interface{}) {
	switch typed := stepResult.(type) {
	case nil:
	case map[string]interface{}:
		for key, value := range typed {
			results[key] = value
		}
	default:
		results[jobID.String()] = typed
	}
}
