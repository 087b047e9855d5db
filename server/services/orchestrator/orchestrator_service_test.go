package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/models"
)

func TestValidateSteps(t *testing.T) {
	require.NoError(t, validateSteps(nil))
	require.NoError(t, validateSteps([]models.StepConfig{
		{Name: "filesystem"},
		{Name: "blarify"},
	}))

	err := validateSteps([]models.StepConfig{
		{Name: "filesystem"},
		{Name: "filesystem"},
	})
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))

	err = validateSteps([]models.StepConfig{{Name: "Not-Valid"}})
	require.Error(t, err)
	assert.True(t, gerror.IsValidationFailed(err))
}

func TestMergeStepResult(t *testing.T) {
	jobID := models.NewJobID()
	results := map[string]interface{}{}

	// Document results merge by key
	mergeStepResult(results, jobID, map[string]interface{}{"filesystem": "done"})
	mergeStepResult(results, jobID, map[string]interface{}{"blarify": "done"})
	assert.Equal(t, map[string]interface{}{"filesystem": "done", "blarify": "done"}, results)

	// A non-document result is wrapped under the job ID
	mergeStepResult(results, jobID, "plain value")
	assert.Equal(t, "plain value", results[jobID.String()])

	// Nil results are ignored
	before := len(results)
	mergeStepResult(results, jobID, nil)
	assert.Len(t, results, before)
}

func TestParseTaskResult(t *testing.T) {
	assert.Nil(t, parseTaskResult(""))
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, parseTaskResult(`{"a":1}`))
	assert.Equal(t, float64(42), parseTaskResult(`42`))
	assert.Equal(t, "not json", parseTaskResult(`not json`))
}

func TestCombineStatus(t *testing.T) {
	assert.Equal(t, models.JobStatusFailed, combineStatus(models.JobStatusCompleted, models.JobStatusFailed))
	assert.Equal(t, models.JobStatusFailed, combineStatus(models.JobStatusFailed, models.JobStatusRunning))
	assert.Equal(t, models.JobStatusCancelled, combineStatus(models.JobStatusCancelled, models.JobStatusCompleted))
	assert.Equal(t, models.JobStatusCancelled, combineStatus(models.JobStatusCompleted, models.JobStatusCancelled))
	assert.Equal(t, models.JobStatusCompleted, combineStatus(models.JobStatusCompleted, models.JobStatusCompleted))
}

func TestStepOptions(t *testing.T) {
	request := &models.IngestionRequest{
		JobID:          models.NewJobID(),
		Source:         "https://example.com/repo.git",
		IgnorePatterns: []string{"vendor/*"},
		Incremental:    true,
	}
	options := stepOptions(request, models.StepConfig{
		Name:           "summarizer",
		Options:        models.JSONMap{"summarizer_specific": "x"},
		TimeoutSeconds: 60,
	})
	assert.Equal(t, request.JobID.String(), options["job_id"])
	assert.Equal(t, []string{"vendor/*"}, options["ignore_patterns"])
	assert.Equal(t, true, options["incremental"])
	assert.Equal(t, float64(60), options["timeout"])
	assert.Equal(t, "x", options["summarizer_specific"])
}
