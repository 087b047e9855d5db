package models

import (
	"database/sql/driver"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
)

// stepNamePattern constrains step names to lowercase snake case so they can
// double as metric name prefixes and option keys.
var stepNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ValidateStepName(name string) error {
	if name == "" {
		return fmt.Errorf("error step name must be set")
	}
	if !stepNamePattern.MatchString(name) {
		return fmt.Errorf("error step name %q must match %s", name, stepNamePattern.String())
	}
	return nil
}

const (
	// DefaultMaxRetries is applied when a step config does not set a retry policy.
	DefaultMaxRetries = 0
	// DefaultBackOffSeconds is the base retry delay when none is configured.
	DefaultBackOffSeconds = 2.0
	// MaxBackOff caps the delay between retry attempts.
	MaxBackOff = 300 * time.Second
)

// RetryPolicy controls how many times a failed step is re-dispatched and how
// long to wait between attempts.
type RetryPolicy struct {
	MaxRetries     int     `json:"max_retries"`
	BackOffSeconds float64 `json:"back_off_seconds"`
}

func (p RetryPolicy) Validate() error {
	var result *multierror.Error
	if p.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("error max_retries must not be negative"))
	}
	if p.BackOffSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("error back_off_seconds must not be negative"))
	}
	return result.ErrorOrNil()
}

// Delay returns how long to wait before the given retry attempt. Attempt 0
// is the first retry. The delay doubles per attempt and is capped.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BackOffSeconds
	if base <= 0 {
		base = DefaultBackOffSeconds
	}
	// Doubling more than 30 times would overflow and can never matter
	// under the cap anyway.
	exponent := math.Min(float64(attempt), 30)
	delay := time.Duration(base * math.Pow(2, exponent) * float64(time.Second))
	if delay > MaxBackOff {
		delay = MaxBackOff
	}
	return delay
}

// StepConfig is a single entry in an ingestion pipeline definition.
type StepConfig struct {
	Name    string  `json:"name"`
	Options JSONMap `json:"options,omitempty"`
	// TimeoutSeconds bounds a single attempt of this step. Zero means the
	// broker's task time limit applies.
	TimeoutSeconds float64     `json:"timeout_seconds,omitempty"`
	Retry          RetryPolicy `json:"retry,omitempty"`
	// ContinueOnFailure lets the pipeline carry on past this step when it
	// fails. The job still finishes failed.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`
}

// EffectiveRetry merges the request-level retry policy into this step's
// policy. A field the step sets wins over the request's value.
func (c StepConfig) EffectiveRetry(global RetryPolicy) RetryPolicy {
	merged := c.Retry
	if merged.MaxRetries == 0 {
		merged.MaxRetries = global.MaxRetries
	}
	if merged.BackOffSeconds == 0 {
		merged.BackOffSeconds = global.BackOffSeconds
	}
	return merged
}

func (c StepConfig) Validate() error {
	var result *multierror.Error
	if err := ValidateStepName(c.Name); err != nil {
		result = multierror.Append(result, err)
	}
	if c.TimeoutSeconds < 0 {
		result = multierror.Append(result, fmt.Errorf("error timeout_seconds must not be negative"))
	}
	if err := c.Retry.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// StepProgress tracks one step's execution state within a job record.
type StepProgress struct {
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Progress float64    `json:"progress"`
	// Attempts counts dispatches of this step, including retries.
	Attempts    int    `json:"attempts"`
	TaskID      string `json:"task_id,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   *Time  `json:"started_at,omitempty"`
	CompletedAt *Time  `json:"completed_at,omitempty"`
	// CPUPercent and MemoryMB are resource usage samples reported by the
	// step, when it reports them at all.
	CPUPercent *float64 `json:"cpu_percent,omitempty"`
	MemoryMB   *float64 `json:"memory_mb,omitempty"`
}

// StepProgressMap is the per-step progress document stored on a job, keyed
// by step name.
type StepProgressMap map[string]*StepProgress

func (m StepProgressMap) Value() (driver.Value, error) {
	return JSONMapValue(m)
}

func (m *StepProgressMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// OverallProgress is the mean progress over steps that have left pending.
// It reports 100 only when every step has completed.
func (m StepProgressMap) OverallProgress() float64 {
	var (
		sum          float64
		n            int
		allCompleted = len(m) > 0
	)
	for _, sp := range m {
		if sp.Status != StepStatusPending {
			sum += sp.Progress
			n++
		}
		if sp.Status != StepStatusCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return 100
	}
	if n == 0 {
		return 0
	}
	progress := sum / float64(n)
	if progress >= 100 {
		// Not every step is complete, so hold just under 100.
		progress = 99.9
	}
	return progress
}

// Statuses returns the status of every step in the map.
func (m StepProgressMap) Statuses() []StepStatus {
	statuses := make([]StepStatus, 0, len(m))
	for _, sp := range m {
		statuses = append(statuses, sp.Status)
	}
	return statuses
}
