package integration_tests

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/app/server_test"
	"github.com/codegraphhq/codegraph/server/services"
)

const pipelineTestTimeout = 30 * time.Second

// newPipelineTestEnv starts a test server with its worker fleet running.
func newPipelineTestEnv(t *testing.T) *server_test.TestServer {
	app, cleanup, err := server_test.New(server_test.TestConfig())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	app.BrokerService.Start()
	t.Cleanup(app.BrokerService.Stop)
	return app
}

func newIngestionRequest(stepNames ...string) *models.IngestionRequest {
	steps := make([]models.StepConfig, len(stepNames))
	for i, name := range stepNames {
		steps[i] = models.StepConfig{Name: name}
	}
	return &models.IngestionRequest{
		Source: "https://example.com/acme/widgets.git",
		Steps:  steps,
	}
}

// waitForJobStatus polls the job record until it reaches the wanted status.
func waitForJobStatus(t *testing.T, app *server_test.TestServer, jobID models.JobID, want models.JobStatus) *models.Job {
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = app.IngestionService.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, pipelineTestTimeout, 25*time.Millisecond, "job %s never reached status %s", jobID, want)
	return job
}

// scriptedStep is a registrable step whose behavior is supplied by the test.
// Interrupts through the run context finish the step in the cancelled state,
// the same contract the builtin steps follow.
type scriptedStep struct {
	run func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error)

	mu     sync.Mutex
	status models.StepStatus
}

func scriptedFactory(step *scriptedStep) services.StepFactory {
	return func(options map[string]interface{}) (services.Step, error) {
		step.setStatus(models.StepStatusPending)
		return step, nil
	}
}

func (s *scriptedStep) Run(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
	s.setStatus(models.StepStatusRunning)
	result, err := s.run(ctx, stepCtx)
	switch {
	case ctx.Err() != nil:
		s.setStatus(models.StepStatusCancelled)
	case err != nil:
		s.setStatus(models.StepStatusFailed)
	default:
		s.setStatus(models.StepStatusCompleted)
	}
	return result, err
}

func (s *scriptedStep) Status() models.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *scriptedStep) Stop(ctx context.Context) error {
	s.setStatus(models.StepStatusStopped)
	return nil
}

func (s *scriptedStep) Cancel(ctx context.Context) error {
	s.setStatus(models.StepStatusCancelled)
	return nil
}

func (s *scriptedStep) IngestionUpdate(ctx context.Context, update map[string]interface{}) error {
	return nil
}

func (s *scriptedStep) setStatus(status models.StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// blockingStep returns a step that holds until release is closed, completing
// with a small result document. Interrupting the run context cancels it.
func blockingStep(release <-chan struct{}) *scriptedStep {
	return &scriptedStep{
		run: func(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
			select {
			case <-release:
				return map[string]interface{}{"blocked": "released"}, nil
			case <-ctx.Done():
				return nil, fmt.Errorf("step interrupted: %w", ctx.Err())
			}
		},
	}
}
