package integration_tests

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/services/registry"
)

func TestPipelineRunsToCompletion(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	request := newIngestionRequest(registry.StepFilesystem, registry.StepBlarify)
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)
	require.True(t, job.ID.Valid())

	job = waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)
	assert.Equal(t, float64(100), job.OverallProgress)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.Error)
	for _, name := range []string{registry.StepFilesystem, registry.StepBlarify} {
		require.Contains(t, job.Steps, name)
		assert.Equal(t, models.StepStatusCompleted, job.Steps[name].Status)
		assert.Equal(t, float64(100), job.Steps[name].Progress)
		assert.Equal(t, 1, job.Steps[name].Attempts)
	}
	// Each step's result document is merged into the job result
	assert.Contains(t, job.Result, registry.StepFilesystem)
	assert.Contains(t, job.Result, registry.StepBlarify)

	// The progress channel ends with the terminal event
	latest, err := app.ProgressService.Latest(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, latest.Status)
	events, err := app.ProgressService.FetchEvents(ctx, nil, job.ID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "job accepted", events[0].Message)
	assert.True(t, events[len(events)-1].IsTerminal())
}

func TestPipelineStepFailureFailsJob(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	exploding := &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			return nil, gerror.NewErrStepExecution("graph database exploded", nil)
		},
	}
	require.NoError(t, app.RegistryService.Register("exploding_step", scriptedFactory(exploding)))

	request := newIngestionRequest(registry.StepFilesystem, "exploding_step", registry.StepSummarizer)
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)

	job = waitForJobStatus(t, app, job.ID, models.JobStatusFailed)
	assert.Contains(t, job.Error, "graph database exploded")
	assert.Equal(t, models.StepStatusCompleted, job.Steps[registry.StepFilesystem].Status)
	assert.Equal(t, models.StepStatusFailed, job.Steps["exploding_step"].Status)
	// The pipeline stops at the failed step; later steps are never dispatched
	assert.Equal(t, models.StepStatusPending, job.Steps[registry.StepSummarizer].Status)
	assert.Equal(t, 0, job.Steps[registry.StepSummarizer].Attempts)

	latest, err := app.ProgressService.Latest(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, latest.Status)
}

func TestPipelineRetriesFailedStep(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	var attempts int32
	flaky := &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, gerror.NewErrStepExecution("transient hiccup", nil)
			}
			return map[string]interface{}{"flaky_step": "recovered"}, nil
		},
	}
	require.NoError(t, app.RegistryService.Register("flaky_step", scriptedFactory(flaky)))

	request := newIngestionRequest()
	request.Steps = []models.StepConfig{{
		Name:  "flaky_step",
		Retry: models.RetryPolicy{MaxRetries: 1, BackOffSeconds: 0.05},
	}}
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)

	job = waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, 2, job.Steps["flaky_step"].Attempts)
	assert.Equal(t, models.StepStatusCompleted, job.Steps["flaky_step"].Status)
	assert.Equal(t, "recovered", job.Result["flaky_step"])
}

func TestContinueOnFailureRunsRemainingSteps(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	exploding := &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			return nil, gerror.NewErrStepExecution("graph database exploded", nil)
		},
	}
	require.NoError(t, app.RegistryService.Register("exploding_step", scriptedFactory(exploding)))

	request := newIngestionRequest()
	request.Steps = []models.StepConfig{
		{Name: "exploding_step", ContinueOnFailure: true},
		{Name: registry.StepSummarizer},
	}
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)

	// The step after the tolerated failure still runs, but the job ends failed
	job = waitForJobStatus(t, app, job.ID, models.JobStatusFailed)
	assert.Contains(t, job.Error, "graph database exploded")
	assert.Equal(t, models.StepStatusFailed, job.Steps["exploding_step"].Status)
	assert.Equal(t, models.StepStatusCompleted, job.Steps[registry.StepSummarizer].Status)
	assert.Equal(t, 1, job.Steps[registry.StepSummarizer].Attempts)
	assert.Contains(t, job.Result, registry.StepSummarizer)
}

func TestGlobalRetryPolicyAppliesToSteps(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	var attempts int32
	flaky := &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, gerror.NewErrStepExecution("transient hiccup", nil)
			}
			return map[string]interface{}{"flaky_step": "recovered"}, nil
		},
	}
	require.NoError(t, app.RegistryService.Register("flaky_step", scriptedFactory(flaky)))

	// The step carries no retry policy of its own; the request-level one
	// applies
	request := newIngestionRequest("flaky_step")
	request.Retry = models.RetryPolicy{MaxRetries: 1, BackOffSeconds: 0.05}
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)

	job = waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, 2, job.Steps["flaky_step"].Attempts)
}

func TestStepReportsUsage(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	sampling := &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			stepCtx.Report(40, "crunching")
			stepCtx.ReportUsage(12.5, 256)
			return map[string]interface{}{"sampling_step": "done"}, nil
		},
	}
	require.NoError(t, app.RegistryService.Register("sampling_step", scriptedFactory(sampling)))

	job, err := app.IngestionService.Start(ctx, newIngestionRequest("sampling_step"))
	require.NoError(t, err)
	job = waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)

	// The last reported sample sticks to the step record
	sp := job.Steps["sampling_step"]
	require.NotNil(t, sp.CPUPercent)
	require.NotNil(t, sp.MemoryMB)
	assert.Equal(t, 12.5, *sp.CPUPercent)
	assert.Equal(t, 256.0, *sp.MemoryMB)

	// Events carry both the step's own progress and the job-wide progress,
	// plus the usage sample once reported
	events, err := app.ProgressService.FetchEvents(ctx, nil, job.ID, 0, 100)
	require.NoError(t, err)
	var sampled *models.ProgressEvent
	for _, event := range events {
		if event.Step == "sampling_step" && event.CPUPercent != nil {
			sampled = event
			break
		}
	}
	require.NotNil(t, sampled, "no event carried the usage sample")
	assert.Equal(t, 12.5, *sampled.CPUPercent)
	assert.Equal(t, 256.0, *sampled.MemoryMB)
	assert.Equal(t, 40.0, sampled.Progress)

	terminal := events[len(events)-1]
	assert.True(t, terminal.IsTerminal())
	assert.Equal(t, 100.0, terminal.OverallProgress)
}

func TestCancelRunningPipeline(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, app.RegistryService.Register("patient_step", scriptedFactory(blockingStep(release))))

	request := newIngestionRequest("patient_step", registry.StepSummarizer)
	job, err := app.IngestionService.Start(ctx, request)
	require.NoError(t, err)
	waitForJobStatus(t, app, job.ID, models.JobStatusRunning)

	cancelled, err := app.IngestionService.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t,
		[]models.JobStatus{models.JobStatusCancelling, models.JobStatusCancelled}, cancelled.Status)

	job = waitForJobStatus(t, app, job.ID, models.JobStatusCancelled)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, models.StepStatusCancelled, job.Steps["patient_step"].Status)
	assert.Equal(t, models.StepStatusCancelled, job.Steps[registry.StepSummarizer].Status)

	// Cancelling again reports the terminal state without error
	again, err := app.IngestionService.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, again.Status)
}

func TestDependencyHoldAndRelease(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, app.RegistryService.Register("gate_step", scriptedFactory(blockingStep(release))))

	first, err := app.IngestionService.Start(ctx, newIngestionRequest("gate_step"))
	require.NoError(t, err)
	waitForJobStatus(t, app, first.ID, models.JobStatusRunning)

	// The second job depends on the first, which has not completed yet
	dependent := newIngestionRequest(registry.StepFilesystem)
	dependent.Dependencies = []string{first.ID.String()}
	second, err := app.IngestionService.Start(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, second.Status)

	entry, err := app.SchedulerService.Waiting(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID.String()}, entry.Dependencies)

	// The dependent job stays parked while its dependency runs
	time.Sleep(250 * time.Millisecond)
	held, err := app.IngestionService.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, held.Status)

	// Completing the dependency releases the held job
	close(release)
	waitForJobStatus(t, app, first.ID, models.JobStatusCompleted)
	waitForJobStatus(t, app, second.ID, models.JobStatusCompleted)

	_, err = app.SchedulerService.Waiting(ctx, second.ID)
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}

func TestCancelHeldJob(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, app.RegistryService.Register("gate_step", scriptedFactory(blockingStep(release))))

	first, err := app.IngestionService.Start(ctx, newIngestionRequest("gate_step"))
	require.NoError(t, err)

	dependent := newIngestionRequest(registry.StepFilesystem)
	dependent.Dependencies = []string{first.ID.String()}
	second, err := app.IngestionService.Start(ctx, dependent)
	require.NoError(t, err)

	// A held job cancels immediately; there is no pipeline to unwind
	cancelled, err := app.IngestionService.Cancel(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	_, err = app.SchedulerService.Waiting(ctx, second.ID)
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}

func TestEmptyPipelineCompletesImmediately(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	job, err := app.IngestionService.Start(ctx, newIngestionRequest())
	require.NoError(t, err)

	job = waitForJobStatus(t, app, job.ID, models.JobStatusCompleted)
	assert.Equal(t, float64(100), job.OverallProgress)
}

func TestListJobs(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	first, err := app.IngestionService.Start(ctx, newIngestionRequest(registry.StepFilesystem))
	require.NoError(t, err)
	second, err := app.IngestionService.Start(ctx, newIngestionRequest(registry.StepFilesystem))
	require.NoError(t, err)
	waitForJobStatus(t, app, first.ID, models.JobStatusCompleted)
	waitForJobStatus(t, app, second.ID, models.JobStatusCompleted)

	page, err := app.IngestionService.List(ctx, &models.JobQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Jobs, 2)
	assert.False(t, page.HasMore)

	page, err = app.IngestionService.List(ctx, &models.JobQuery{
		Statuses: []models.JobStatus{models.JobStatusCompleted},
		Limit:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Jobs, 1)
	assert.True(t, page.HasMore)

	// Filtering on several statuses matches jobs in any of them
	page, err = app.IngestionService.List(ctx, &models.JobQuery{
		Statuses: []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = app.IngestionService.List(ctx, &models.JobQuery{
		Statuses: []models.JobStatus{models.JobStatusFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Empty(t, page.Jobs)
}

func TestHealthCheck(t *testing.T) {
	app := newPipelineTestEnv(t)
	ctx := context.Background()

	// The worker fleet heartbeats shortly after starting
	require.Eventually(t, func() bool {
		return app.HealthService.Check(ctx).Status == services.HealthHealthy
	}, pipelineTestTimeout, 25*time.Millisecond)

	report := app.HealthService.Check(ctx)
	assert.Equal(t, services.HealthHealthy, report.Status)
	assert.Contains(t, report.Components, "workers")
}

func TestGetUnknownJob(t *testing.T) {
	app := newPipelineTestEnv(t)

	_, err := app.IngestionService.Get(context.Background(), models.NewJobID())
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}
