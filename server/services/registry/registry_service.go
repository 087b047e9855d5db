package registry

import (
	"sort"
	"sync"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
)

// RegistryService resolves step names to factories. Explicit registrations
// take precedence; the canonical pipeline steps are always available through
// a builtin fallback table.
type RegistryService struct {
	mu        sync.RWMutex
	factories map[string]services.StepFactory
	builtins  map[string]services.StepFactory
	logger.Log
}

func NewRegistryService(logFactory logger.LogFactory) *RegistryService {
	return &RegistryService{
		factories: make(map[string]services.StepFactory),
		builtins:  builtinFactories(),
		Log:       logFactory("RegistryService"),
	}
}

// Register adds a step factory under the given name.
// Returns gerror.ErrCodeValidationFailed for malformed or duplicate names.
func (s *RegistryService) Register(name string, factory services.StepFactory) error {
	if err := models.ValidateStepName(name); err != nil {
		return gerror.NewErrValidationFailed("Step name failed validation").Wrap(err)
	}
	if factory == nil {
		return gerror.NewErrValidationFailed("Step factory must not be nil").EDetail("step", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[name]; exists {
		return gerror.NewErrValidationFailed("A step with this name is already registered").EDetail("step", name)
	}
	s.factories[name] = factory
	s.Infof("Registered step %q", name)
	return nil
}

// RegisterExternal offers a discovered plugin entry point. Candidates that
// do not provide the step capability set are logged and skipped; discovery
// never fails because of one bad entry.
func (s *RegistryService) RegisterExternal(name string, candidate interface{}) {
	var factory services.StepFactory
	switch c := candidate.(type) {
	case services.StepFactory:
		factory = c
	case func(options map[string]interface{}) (services.Step, error):
		factory = c
	case services.Step:
		factory = func(options map[string]interface{}) (services.Step, error) {
			return c, nil
		}
	default:
		s.Warnf("Skipping step entry %q: %T does not provide the step capability set", name, candidate)
		return
	}
	if err := s.Register(name, factory); err != nil {
		s.Warnf("Skipping step entry %q: %v", name, err)
	}
}

// Discover returns the sorted names of all registered steps, including
// builtins. Discovery is idempotent.
func (s *RegistryService) Discover() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.factories)+len(s.builtins))
	for name := range s.factories {
		seen[name] = true
	}
	for name := range s.builtins {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Find resolves a step name to its factory. Explicitly registered steps win;
// otherwise builtin steps are used as a fallback.
// Returns gerror.ErrCodeNotFound for unknown names.
func (s *RegistryService) Find(name string) (services.StepFactory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if factory, ok := s.factories[name]; ok {
		return factory, nil
	}
	if factory, ok := s.builtins[name]; ok {
		return factory, nil
	}
	return nil, gerror.NewErrNotFound("Unknown step").EDetail("step", name)
}
