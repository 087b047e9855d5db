package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
)

func newTestRegistry() *RegistryService {
	return NewRegistryService(logger.NoOpLogFactory)
}

func TestBuiltinFallback(t *testing.T) {
	registry := newTestRegistry()

	// All canonical steps resolve without any registration, including the
	// default pipeline's short alias for the documentation grapher
	for _, name := range []string{StepFilesystem, StepBlarify, StepSummarizer, StepDocumentationGrapher, StepDocGrapher} {
		factory, err := registry.Find(name)
		require.NoError(t, err, "builtin step %q should resolve", name)
		step, err := factory(nil)
		require.NoError(t, err)
		assert.Equal(t, models.StepStatusPending, step.Status())
	}

	// Every step of the default pipeline is dispatchable out of the box
	for _, step := range models.DefaultPipelineSteps() {
		_, err := registry.Find(step.Name)
		require.NoError(t, err, "default pipeline step %q should resolve", step.Name)
	}

	_, err := registry.Find("no_such_step")
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	registry := newTestRegistry()

	custom := &recordingStep{}
	err := registry.Register(StepBlarify, func(options map[string]interface{}) (services.Step, error) {
		return custom, nil
	})
	require.NoError(t, err)

	factory, err := registry.Find(StepBlarify)
	require.NoError(t, err)
	step, err := factory(nil)
	require.NoError(t, err)
	assert.Same(t, custom, step.(*recordingStep))
}

func TestRegisterValidation(t *testing.T) {
	registry := newTestRegistry()
	factory := func(options map[string]interface{}) (services.Step, error) {
		return &recordingStep{}, nil
	}

	require.NoError(t, registry.Register("my_step", factory))

	// Duplicate names are rejected
	err := registry.Register("my_step", factory)
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))

	// Malformed names are rejected
	for _, name := range []string{"", "My-Step", "1step"} {
		err := registry.Register(name, factory)
		require.Error(t, err, "name %q should be rejected", name)
		assert.True(t, gerror.IsValidationFailed(err))
	}

	require.Error(t, registry.Register("nil_factory", nil))
}

func TestRegisterExternalSkipsBadEntries(t *testing.T) {
	registry := newTestRegistry()

	// Entries without the step capability set are skipped, never fatal
	registry.RegisterExternal("bad_entry", "not a factory")
	registry.RegisterExternal("another_bad_entry", 42)
	_, err := registry.Find("bad_entry")
	require.Error(t, err)

	// A well-formed factory is accepted
	registry.RegisterExternal("good_entry", services.StepFactory(func(options map[string]interface{}) (services.Step, error) {
		return &recordingStep{}, nil
	}))
	_, err = registry.Find("good_entry")
	require.NoError(t, err)
}

func TestDiscoverIsSortedAndIdempotent(t *testing.T) {
	registry := newTestRegistry()
	require.NoError(t, registry.Register("aardvark", func(options map[string]interface{}) (services.Step, error) {
		return &recordingStep{}, nil
	}))

	names := registry.Discover()
	assert.Contains(t, names, "aardvark")
	assert.Contains(t, names, StepFilesystem)
	assert.IsIncreasing(t, names)

	// Discovery does not change the registry
	assert.Equal(t, names, registry.Discover())
}

func TestBuiltinStepRun(t *testing.T) {
	registry := newTestRegistry()
	factory, err := registry.Find(StepFilesystem)
	require.NoError(t, err)
	step, err := factory(map[string]interface{}{"job_id": "job:1"})
	require.NoError(t, err)

	var reports []float64
	result, err := step.Run(context.Background(), &services.StepContext{
		Source: "https://example.com/repo.git",
		Report: func(progress float64, message string) {
			reports = append(reports, progress)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, step.Status())
	assert.Equal(t, []float64{25, 50, 75, 100}, reports)
	require.Contains(t, result, StepFilesystem)
}

func TestBuiltinStepCancel(t *testing.T) {
	registry := newTestRegistry()
	factory, err := registry.Find(StepSummarizer)
	require.NoError(t, err)
	step, err := factory(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = step.Run(ctx, &services.StepContext{})
	require.Error(t, err)
	assert.Equal(t, models.StepStatusCancelled, step.Status())
}

// recordingStep is a no-op step for registry tests.
type recordingStep struct {
	status models.StepStatus
}

func (s *recordingStep) Run(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
	s.status = models.StepStatusCompleted
	return map[string]interface{}{}, nil
}

func (s *recordingStep) Status() models.StepStatus { return s.status }

func (s *recordingStep) Stop(ctx context.Context) error {
	s.status = models.StepStatusStopped
	return nil
}

func (s *recordingStep) Cancel(ctx context.Context) error {
	s.status = models.StepStatusCancelled
	return nil
}

func (s *recordingStep) IngestionUpdate(ctx context.Context, update map[string]interface{}) error {
	return nil
}
