package runner

import (
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

// RunnerService executes individual pipeline steps inside broker tasks. It
// resolves the step through the registry, filters its options, mirrors its
// progress into the job record and the progress bus, and records metrics.
// Failures are reported as errors to the broker, which records them on the
// task; they never escape the task boundary.
type RunnerService struct {
	db              *store.DB
	jobStore        store.JobStore
	registryService services.RegistryService
	progressService services.ProgressService
	clk             clock.Clock
	metrics         *stepMetrics
	logger.Log
}

func NewRunnerService(
	db *store.DB,
	jobStore store.JobStore,
	registryService services.RegistryService,
	progressService services.ProgressService,
	clk clock.Clock,
	registerer prometheus.Registerer,
	logFactory logger.LogFactory,
) *RunnerService {
	return &RunnerService{
		db:              db,
		jobStore:        jobStore,
		registryService: registryService,
		progressService: progressService,
		clk:             clk,
		metrics:         newStepMetrics(registerer),
		Log:             logFactory("RunnerService"),
	}
}

// TaskHandler adapts the runner to the broker's task interface. A panic in a
// step surfaces as a failed task, never as an escaped panic.
func (s *RunnerService) TaskHandler() services.TaskHandler {
	return func(ctx context.Context, taskID models.TaskID, args []byte) (result map[string]interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.Errorf("Step execution panic in task %s: %v", taskID, r)
				s.metrics.countError("panic")
				err = gerror.NewErrStepExecution("Step execution panicked", fmt.Errorf("%v", r))
			}
		}()
		payload := &services.RunStepPayload{}
		if err := json.Unmarshal(args, payload); err != nil {
			return nil, gerror.NewErrStepExecution("Unable to parse step payload", err)
		}
		return s.runStep(ctx, taskID, payload)
	}
}

// RunStep executes a single pipeline step to completion.
func (s *RunnerService) RunStep(ctx context.Context, payload *services.RunStepPayload) (map[string]interface{}, error) {
	return s.runStep(ctx, models.TaskID{}, payload)
}

func (s *RunnerService) runStep(ctx context.Context, taskID models.TaskID, payload *services.RunStepPayload) (map[string]interface{}, error) {
	if err := models.ValidateStepName(payload.StepName); err != nil {
		return nil, gerror.NewErrValidationFailed("Invalid step name").Wrap(err)
	}

	factory, err := s.registryService.Find(payload.StepName)
	if err != nil {
		s.metrics.countOutcome(payload.StepName, "failure")
		s.metrics.countError(errorKind(ctx, err))
		return nil, err
	}

	options := filterStepOptions(payload.StepName, payload.Options)
	step, err := factory(options)
	if err != nil {
		s.metrics.countOutcome(payload.StepName, "failure")
		s.metrics.countError(errorKind(ctx, err))
		return nil, gerror.NewErrStepExecution("Unable to instantiate step", err).
			EDetail("step", payload.StepName)
	}

	s.metrics.active.Inc()
	defer s.metrics.active.Dec()
	startedAt := s.clk.Now()

	s.markStepStarted(ctx, payload, taskID)

	result, runErr := step.Run(ctx, &services.StepContext{
		JobID:   payload.JobID,
		Source:  payload.Source,
		Options: options,
		Report: func(progress float64, message string) {
			s.reportStepProgress(ctx, payload, progress, message)
		},
		ReportUsage: func(cpuPercent, memoryMB float64) {
			s.reportStepUsage(ctx, payload, cpuPercent, memoryMB)
		},
	})

	s.metrics.observeDuration(payload.StepName, s.clk.Now().Sub(startedAt).Seconds())
	if runErr != nil {
		status := step.Status()
		if !status.HasFinished() {
			status = models.StepStatusFailed
		}
		s.metrics.countOutcome(payload.StepName, "failure")
		s.metrics.countError(errorKind(ctx, runErr))
		s.markStepFinished(ctx, payload, status, runErr.Error())
		return nil, gerror.NewErrStepExecution("Step execution failed", runErr).
			EDetail("step", payload.StepName)
	}

	s.metrics.countOutcome(payload.StepName, "success")
	s.markStepFinished(ctx, payload, models.StepStatusCompleted, "")
	return result, nil
}

// markStepStarted moves the job's step to running and publishes the change.
// Job record updates are best effort; a failure here must not fail the step.
func (s *RunnerService) markStepStarted(ctx context.Context, payload *services.RunStepPayload, taskID models.TaskID) {
	s.updateJobStep(ctx, payload, func(job *models.Job, sp *models.StepProgress) {
		now := models.NewTime(s.clk.Now())
		sp.Status = models.StepStatusRunning
		sp.Progress = 0
		sp.Attempts++
		sp.Error = ""
		sp.StartedAt = &now
		sp.CompletedAt = nil
		if !taskID.Valid() {
			sp.TaskID = ""
		} else {
			sp.TaskID = taskID.String()
		}
		job.CurrentStep = sp.Name
		if job.Status == models.JobStatusPending {
			job.Status = models.JobStatusRunning
			job.StartedAt = &now
		}
	}, fmt.Sprintf("running step %s", payload.StepName))
}

func (s *RunnerService) reportStepProgress(ctx context.Context, payload *services.RunStepPayload, progress float64, message string) {
	s.updateJobStep(ctx, payload, func(job *models.Job, sp *models.StepProgress) {
		if sp.Status == models.StepStatusRunning {
			sp.Progress = progress
			sp.Message = message
		}
	}, message)
}

// reportStepUsage records a resource usage sample on the step. The sample
// rides along on the next published event.
func (s *RunnerService) reportStepUsage(ctx context.Context, payload *services.RunStepPayload, cpuPercent, memoryMB float64) {
	s.updateJobStep(ctx, payload, func(job *models.Job, sp *models.StepProgress) {
		sp.CPUPercent = &cpuPercent
		sp.MemoryMB = &memoryMB
	}, "")
}

func (s *RunnerService) markStepFinished(ctx context.Context, payload *services.RunStepPayload, status models.StepStatus, errorText string) {
	message := fmt.Sprintf("step %s %s", payload.StepName, status)
	s.updateJobStep(ctx, payload, func(job *models.Job, sp *models.StepProgress) {
		now := models.NewTime(s.clk.Now())
		sp.Status = status
		sp.Error = errorText
		sp.CompletedAt = &now
		if status == models.StepStatusCompleted {
			sp.Progress = 100
		}
		if job.CurrentStep == sp.Name {
			job.CurrentStep = ""
		}
	}, message)
}

// updateJobStep applies a mutation to one step of the job record under a row
// lock, recomputes overall progress and publishes the resulting state to the
// progress bus. Errors are logged, never returned; losing a progress update
// must not fail the step itself.
func (s *RunnerService) updateJobStep(
	ctx context.Context,
	payload *services.RunStepPayload,
	mutate func(job *models.Job, sp *models.StepProgress),
	message string,
) {
	var event *models.ProgressEvent
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, payload.JobID); err != nil {
			return err
		}
		job, err := s.jobStore.Read(ctx, tx, payload.JobID)
		if err != nil {
			return err
		}
		sp, ok := job.Steps[payload.StepName]
		if !ok {
			sp = &models.StepProgress{Name: payload.StepName, Status: models.StepStatusPending}
			job.Steps[payload.StepName] = sp
		}
		mutate(job, sp)
		job.OverallProgress = job.Steps.OverallProgress()
		if err := s.jobStore.Update(ctx, tx, job); err != nil {
			return err
		}
		event = models.NewProgressEventData(job.ID, job.Status, sp.Name, sp.Status, job.OverallProgress, message)
		event.Progress = sp.Progress
		event.CPUPercent = sp.CPUPercent
		event.MemoryMB = sp.MemoryMB
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		s.Errorf("Unable to record progress for step %s of job %s: %v", payload.StepName, payload.JobID, err)
	}
}

// errorKind buckets an error for the step error counter.
func errorKind(ctx context.Context, err error) string {
	switch {
	case ctx.Err() == context.DeadlineExceeded || gerror.IsTimeout(err):
		return "timeout"
	case ctx.Err() == context.Canceled:
		return "cancelled"
	case gerror.IsNotFound(err):
		return "unknown_step"
	case gerror.IsValidationFailed(err):
		return "validation"
	default:
		return "execution"
	}
}
