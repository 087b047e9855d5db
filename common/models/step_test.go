package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BackOffSeconds: 2}
	assert.Equal(t, 2*time.Second, policy.Delay(0))
	assert.Equal(t, 4*time.Second, policy.Delay(1))
	assert.Equal(t, 8*time.Second, policy.Delay(2))

	// The delay is capped no matter how many attempts have happened
	assert.Equal(t, MaxBackOff, policy.Delay(20))
	assert.Equal(t, MaxBackOff, policy.Delay(100))

	// A zero backoff falls back to the default base
	policy = RetryPolicy{MaxRetries: 1}
	assert.Equal(t, time.Duration(DefaultBackOffSeconds*float64(time.Second)), policy.Delay(0))
}

func TestOverallProgress(t *testing.T) {
	steps := StepProgressMap{
		"filesystem": {Name: "filesystem", Status: StepStatusCompleted, Progress: 100},
		"blarify":    {Name: "blarify", Status: StepStatusRunning, Progress: 50},
		"summarizer": {Name: "summarizer", Status: StepStatusPending, Progress: 0},
	}
	// Pending steps are excluded from the mean
	assert.InDelta(t, 75.0, steps.OverallProgress(), 0.001)

	// All steps completed reports exactly 100
	for _, sp := range steps {
		sp.Status = StepStatusCompleted
		sp.Progress = 100
	}
	assert.Equal(t, 100.0, steps.OverallProgress())

	// Nothing started yet reports zero
	steps = StepProgressMap{
		"filesystem": {Name: "filesystem", Status: StepStatusPending},
	}
	assert.Equal(t, 0.0, steps.OverallProgress())

	// Progress never reads 100 while a step is still outstanding
	steps = StepProgressMap{
		"filesystem": {Name: "filesystem", Status: StepStatusCompleted, Progress: 100},
		"blarify":    {Name: "blarify", Status: StepStatusPending},
	}
	assert.Less(t, steps.OverallProgress(), 100.0)
}

func TestDeriveJobStatus(t *testing.T) {
	// Failure dominates cancellation which dominates completion
	status := DeriveJobStatus([]StepStatus{StepStatusCompleted, StepStatusFailed, StepStatusCancelled})
	assert.Equal(t, JobStatusFailed, status)

	status = DeriveJobStatus([]StepStatus{StepStatusCompleted, StepStatusStopped})
	assert.Equal(t, JobStatusCancelled, status)

	status = DeriveJobStatus([]StepStatus{StepStatusCompleted, StepStatusCompleted})
	assert.Equal(t, JobStatusCompleted, status)
}

func TestStepStatusToJobStatus(t *testing.T) {
	assert.Equal(t, JobStatusCancelled, StepStatusStopped.ToJobStatus())
	assert.Equal(t, JobStatusCancelled, StepStatusCancelled.ToJobStatus())
	assert.Equal(t, JobStatusFailed, StepStatusFailed.ToJobStatus())
	assert.Equal(t, JobStatusCompleted, StepStatusCompleted.ToJobStatus())
}

func TestValidateStepName(t *testing.T) {
	require.NoError(t, ValidateStepName("blarify"))
	require.NoError(t, ValidateStepName("documentation_grapher"))
	require.NoError(t, ValidateStepName("_private_step"))
	require.Error(t, ValidateStepName(""))
	require.Error(t, ValidateStepName("Blarify"))
	require.Error(t, ValidateStepName("1step"))
	require.Error(t, ValidateStepName("step-name"))
}

func TestEffectiveRetry(t *testing.T) {
	global := RetryPolicy{MaxRetries: 3, BackOffSeconds: 5}

	// A step with no policy of its own takes the request-level one
	merged := StepConfig{Name: "blarify"}.EffectiveRetry(global)
	assert.Equal(t, global, merged)

	// A step's own settings win field by field
	merged = StepConfig{Name: "blarify", Retry: RetryPolicy{MaxRetries: 1}}.EffectiveRetry(global)
	assert.Equal(t, RetryPolicy{MaxRetries: 1, BackOffSeconds: 5}, merged)

	merged = StepConfig{Name: "blarify", Retry: RetryPolicy{BackOffSeconds: 0.5}}.EffectiveRetry(global)
	assert.Equal(t, RetryPolicy{MaxRetries: 3, BackOffSeconds: 0.5}, merged)

	// No global policy leaves the step's policy untouched
	merged = StepConfig{Name: "blarify", Retry: RetryPolicy{MaxRetries: 2, BackOffSeconds: 1}}.EffectiveRetry(RetryPolicy{})
	assert.Equal(t, RetryPolicy{MaxRetries: 2, BackOffSeconds: 1}, merged)
}
