package ingestion

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

// IngestionService is the public face of the pipeline engine. It accepts
// ingestion requests, parks those with unmet dependencies, hands the rest to
// the orchestrator via the broker, and answers queries about job state.
type IngestionService struct {
	db               *store.DB
	jobStore         store.JobStore
	brokerService    services.BrokerService
	schedulerService services.SchedulerService
	progressService  services.ProgressService
	clk              clock.Clock
	logger.Log
}

func NewIngestionService(
	db *store.DB,
	jobStore store.JobStore,
	brokerService services.BrokerService,
	schedulerService services.SchedulerService,
	progressService services.ProgressService,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *IngestionService {
	return &IngestionService{
		db:               db,
		jobStore:         jobStore,
		brokerService:    brokerService,
		schedulerService: schedulerService,
		progressService:  progressService,
		clk:              clk,
		Log:              logFactory("IngestionService"),
	}
}

// Start validates and accepts an ingestion request. Jobs with unmet
// dependencies are held in the waiting queue; all other jobs have their
// pipeline dispatched to the broker. Returns the accepted job record.
func (s *IngestionService) Start(ctx context.Context, request *models.IngestionRequest) (*models.Job, error) {
	request.PopulateDefaults()
	if err := request.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed("Invalid ingestion request").Wrap(err)
	}
	if !request.JobID.Valid() {
		request.JobID = models.NewJobID()
	}

	now := models.NewTime(s.clk.Now())
	job := models.NewJob(now, request)
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.Create(ctx, tx, job); err != nil {
			return err
		}
		event := models.NewProgressEventData(job.ID, models.JobStatusPending, "", "", 0, "job accepted")
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	s.Infof("Accepted ingestion job %s for %s", job.ID, request.Source)

	unmet, err := s.schedulerService.Unmet(ctx, request.Dependencies)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		if err := s.schedulerService.Hold(ctx, request, unmet); err != nil {
			return nil, err
		}
		return job, nil
	}

	if err := s.Launch(ctx, request); err != nil {
		return nil, err
	}
	return s.jobStore.Read(ctx, nil, job.ID)
}

// Launch dispatches the pipeline for an already accepted request. Also used
// for jobs released from the waiting queue.
func (s *IngestionService) Launch(ctx context.Context, request *models.IngestionRequest) error {
	taskID, err := s.brokerService.Dispatch(ctx, nil, &services.TaskSpec{
		Name:      models.TaskNameOrchestratePipeline,
		Args:      request,
		Queue:     request.Priority,
		NotBefore: request.NotBefore(s.clk.Now()),
	})
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, request.JobID); err != nil {
			return err
		}
		job, err := s.jobStore.Read(ctx, tx, request.JobID)
		if err != nil {
			return err
		}
		job.OrchestratorTaskID = taskID.String()
		return s.jobStore.Update(ctx, tx, job)
	})
	if err != nil {
		s.Errorf("Unable to record orchestrator task for job %s: %v", request.JobID, err)
	}
	s.Debugf("Launched pipeline for job %s as task %s", request.JobID, taskID)
	return nil
}

// Get returns the current state of a job, joining the job record with the
// latest-value cache and the waiting queue.
// Returns gerror.ErrCodeNotFound if the job is unknown everywhere.
func (s *IngestionService) Get(ctx context.Context, jobID models.JobID) (*models.Job, error) {
	job, err := s.jobStore.Read(ctx, nil, jobID)
	if err == nil {
		return job, nil
	}
	if !gerror.IsNotFound(err) {
		return nil, err
	}

	// The job record can be gone while the latest-event cache still remembers
	// the job's final state
	latest, latestErr := s.progressService.Latest(ctx, jobID)
	if latestErr == nil {
		return &models.Job{
			JobMetadata: models.JobMetadata{ID: jobID, CreatedAt: latest.CreatedAt, UpdatedAt: latest.CreatedAt},
			JobData: models.JobData{
				Status:          latest.Status,
				OverallProgress: latest.OverallProgress,
				Error:           latest.Error,
			},
		}, nil
	}

	entry, waitingErr := s.schedulerService.Waiting(ctx, jobID)
	if waitingErr == nil && entry.Request != nil {
		now := models.NewTime(s.clk.Now())
		waitingJob := models.NewJob(now, entry.Request)
		return waitingJob, nil
	}

	return nil, gerror.NewErrNotFound("Job not found").EDetail("job_id", jobID).Wrap(err)
}

// Cancel stops a job. A job waiting on dependencies is simply removed from
// the waiting queue; a dispatched job has its orchestrator task revoked.
// Idempotent: cancelling a terminal job reports its current state without
// error.
func (s *IngestionService) Cancel(ctx context.Context, jobID models.JobID) (*models.Job, error) {
	job, err := s.jobStore.Read(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.HasFinished() {
		return job, nil
	}

	// A held job never reached the broker; drop it and finish here
	if _, err := s.schedulerService.Waiting(ctx, jobID); err == nil {
		if err := s.schedulerService.Drop(ctx, jobID); err != nil {
			return nil, err
		}
		return s.finalizeCancelled(ctx, jobID)
	}

	err = s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, jobID); err != nil {
			return err
		}
		current, err := s.jobStore.Read(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current.Status.HasFinished() || current.Status == models.JobStatusCancelling {
			job = current
			return nil
		}
		current.Status = models.JobStatusCancelling
		if err := s.jobStore.Update(ctx, tx, current); err != nil {
			return err
		}
		job = current
		event := models.NewProgressEventData(jobID, models.JobStatusCancelling, "", "", current.OverallProgress, "cancellation requested")
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	if job.Status.HasFinished() {
		return job, nil
	}

	if job.OrchestratorTaskID != "" {
		taskID, err := models.ParseTaskID(job.OrchestratorTaskID)
		if err != nil {
			return nil, fmt.Errorf("error parsing orchestrator task id: %w", err)
		}
		if err := s.brokerService.Revoke(ctx, taskID, true); err != nil {
			return nil, err
		}
		// A task revoked before any worker claimed it will never run the
		// orchestrator, so the job must be finalized here
		status := s.brokerService.Inspect(ctx, taskID)
		if status.State == models.TaskStateRevoked {
			return s.finalizeCancelled(ctx, jobID)
		}
		return job, nil
	}

	// No orchestrator task was ever dispatched
	return s.finalizeCancelled(ctx, jobID)
}

// finalizeCancelled moves a job straight to the cancelled state, cancelling
// any steps that have not finished, and publishes the terminal event.
func (s *IngestionService) finalizeCancelled(ctx context.Context, jobID models.JobID) (*models.Job, error) {
	var job *models.Job
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.jobStore.LockRowForUpdate(ctx, tx, jobID); err != nil {
			return err
		}
		current, err := s.jobStore.Read(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current.Status.HasFinished() {
			job = current
			return nil
		}
		now := models.NewTime(s.clk.Now())
		for _, sp := range current.Steps {
			if !sp.Status.HasFinished() {
				sp.Status = models.StepStatusCancelled
				sp.CompletedAt = &now
			}
		}
		current.Status = models.JobStatusCancelled
		current.CurrentStep = ""
		current.CompletedAt = &now
		current.OverallProgress = current.Steps.OverallProgress()
		if err := s.jobStore.Update(ctx, tx, current); err != nil {
			return err
		}
		job = current
		event := models.NewProgressEventData(jobID, models.JobStatusCancelled, "", "", current.OverallProgress, "job cancelled")
		return s.progressService.Publish(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	s.Infof("Cancelled job %s", jobID)
	return job, nil
}

// List returns a page of jobs matching the query.
func (s *IngestionService) List(ctx context.Context, query *models.JobQuery) (*models.JobPage, error) {
	query.PopulateDefaults()
	if err := query.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed("Invalid job query").Wrap(err)
	}
	jobs, total, err := s.jobStore.List(ctx, nil, query)
	if err != nil {
		return nil, err
	}
	return &models.JobPage{
		Jobs:    jobs,
		Total:   total,
		HasMore: query.Offset+len(jobs) < total,
	}, nil
}
