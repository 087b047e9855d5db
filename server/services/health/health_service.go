package health

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/context"

	"github.com/codegraphhq/codegraph/common/gerror"
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	// probeTimeout bounds each individual component probe.
	probeTimeout = 5 * time.Second
	// checkTimeout bounds a whole health check.
	checkTimeout = 30 * time.Second
)

// HealthService probes the components the ingestion engine depends on. An
// unreachable broker makes the whole service unhealthy; a degraded cache or
// an empty worker fleet only degrades it.
type HealthService struct {
	brokerService services.BrokerService
	kvStore       store.KVStore
	clk           clock.Clock
	logger.Log
}

func NewHealthService(
	brokerService services.BrokerService,
	kvStore store.KVStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *HealthService {
	return &HealthService{
		brokerService: brokerService,
		kvStore:       kvStore,
		clk:           clk,
		Log:           logFactory("HealthService"),
	}
}

// Check probes the broker, the key-value cache and the worker fleet. Each
// probe gets its own deadline so one stuck component cannot consume the
// whole check's budget. Check never panics and never returns an error;
// trouble is reported in the resulting document.
func (s *HealthService) Check(ctx context.Context) *services.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	report := &services.HealthReport{
		Status:     services.HealthHealthy,
		Components: make(map[string]string),
	}

	if err := s.probe(ctx, func(ctx context.Context) error {
		return s.brokerService.IsHealthy(ctx)
	}); err != nil {
		report.Status = services.HealthUnhealthy
		report.Components["broker"] = fmt.Sprintf("unreachable: %v", err)
	} else {
		report.Components["broker"] = "ok"
	}

	// A missing probe key is the expected answer from a working cache
	err := s.probe(ctx, func(ctx context.Context) error {
		_, err := s.kvStore.Get(ctx, nil, "health:probe", models.NewTime(s.clk.Now()))
		return err
	})
	if err != nil && !gerror.IsNotFound(err) {
		s.degrade(report, "cache", fmt.Sprintf("unreachable: %v", err))
	} else {
		report.Components["cache"] = "ok"
	}

	var fleet *models.WorkerFleetStatus
	err = s.probe(ctx, func(ctx context.Context) error {
		var err error
		fleet, err = s.brokerService.InspectWorkers(ctx)
		return err
	})
	switch {
	case err != nil:
		s.degrade(report, "workers", fmt.Sprintf("unreachable: %v", err))
	case fleet.ActiveCount == 0:
		s.degrade(report, "workers", "no active workers")
	default:
		report.Components["workers"] = fmt.Sprintf("%d active", fleet.ActiveCount)
	}

	return report
}

// probe runs one component check under its own deadline.
func (s *HealthService) probe(ctx context.Context, check func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return check(ctx)
}

// degrade records a component problem without overriding unhealthy.
func (s *HealthService) degrade(report *services.HealthReport, component, detail string) {
	report.Components[component] = detail
	if report.Status == services.HealthHealthy {
		report.Status = services.HealthDegraded
	}
}
