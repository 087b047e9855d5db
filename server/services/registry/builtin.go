package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
)

// Canonical pipeline step names. These are always resolvable even when no
// external step has been registered for them.
const (
	StepFilesystem           = "filesystem"
	StepBlarify              = "blarify"
	StepSummarizer           = "summarizer"
	StepDocumentationGrapher = "documentation_grapher"
	// StepDocGrapher is the short alias used by the default pipeline.
	StepDocGrapher = "docgrapher"
)

func builtinFactories() map[string]services.StepFactory {
	return map[string]services.StepFactory{
		StepFilesystem:           builtinStepFactory(StepFilesystem, "scanning source tree"),
		StepBlarify:              builtinStepFactory(StepBlarify, "building code graph"),
		StepSummarizer:           builtinStepFactory(StepSummarizer, "summarizing code entities"),
		StepDocumentationGrapher: builtinStepFactory(StepDocumentationGrapher, "linking documentation"),
		StepDocGrapher:           builtinStepFactory(StepDocGrapher, "linking documentation"),
	}
}

func builtinStepFactory(name, description string) services.StepFactory {
	return func(options map[string]interface{}) (services.Step, error) {
		return &builtinStep{
			name:        name,
			description: description,
			options:     options,
			status:      models.StepStatusPending,
		}, nil
	}
}

// builtinStep is a minimal step implementation used when no external step
// has been registered for a canonical name. It reports progress checkpoints
// and completes immediately, which also makes it the workhorse of pipeline
// tests.
type builtinStep struct {
	name        string
	description string
	options     map[string]interface{}

	mu        sync.Mutex
	status    models.StepStatus
	interrupt context.CancelFunc
}

func (s *builtinStep) Run(ctx context.Context, stepCtx *services.StepContext) (map[string]interface{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setStatus(models.StepStatusRunning, cancel)

	for _, checkpoint := range []float64{25, 50, 75} {
		select {
		case <-ctx.Done():
			s.setStatus(s.interruptedStatus(), nil)
			return nil, fmt.Errorf("step %s interrupted: %w", s.name, ctx.Err())
		default:
		}
		if stepCtx.Report != nil {
			stepCtx.Report(checkpoint, s.description)
		}
	}

	s.setStatus(models.StepStatusCompleted, nil)
	if stepCtx.Report != nil {
		stepCtx.Report(100, s.description)
	}
	return map[string]interface{}{
		s.name: map[string]interface{}{
			"status": "completed",
			"source": stepCtx.Source,
		},
	}, nil
}

func (s *builtinStep) Status() models.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *builtinStep) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.HasFinished() {
		return nil
	}
	s.status = models.StepStatusStopped
	if s.interrupt != nil {
		s.interrupt()
	}
	return nil
}

func (s *builtinStep) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.HasFinished() {
		return nil
	}
	s.status = models.StepStatusCancelled
	if s.interrupt != nil {
		s.interrupt()
	}
	return nil
}

func (s *builtinStep) IngestionUpdate(ctx context.Context, update map[string]interface{}) error {
	// Builtin steps hold no state to update
	return nil
}

func (s *builtinStep) setStatus(status models.StepStatus, interrupt context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A stop or cancel that has already landed wins over Run's own updates
	if s.status.HasFinished() && !status.HasFinished() {
		return
	}
	s.status = status
	if interrupt != nil {
		s.interrupt = interrupt
	}
}

// interruptedStatus distinguishes a stop from a cancel after the run context
// ends.
func (s *builtinStep) interruptedStatus() models.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == models.StepStatusStopped {
		return models.StepStatusStopped
	}
	return models.StepStatusCancelled
}
