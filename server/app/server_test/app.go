package server_test

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/services/health"
	"github.com/codegraphhq/codegraph/server/services/ingestion"
	"github.com/codegraphhq/codegraph/server/services/orchestrator"
	"github.com/codegraphhq/codegraph/server/services/progress"
	"github.com/codegraphhq/codegraph/server/services/registry"
	"github.com/codegraphhq/codegraph/server/services/runner"
	"github.com/codegraphhq/codegraph/server/services/scheduler"
	"github.com/codegraphhq/codegraph/server/store"
)

// TestServer exposes the full set of stores and services so tests can reach
// into any layer, plus the assembled API router for HTTP-level tests.
type TestServer struct {
	DB                  *store.DB
	JobStore            store.JobStore
	TaskStore           store.TaskStore
	EventStore          store.EventStore
	WorkerStore         store.WorkerStore
	KVStore             store.KVStore
	Clock               clock.Clock
	RegistryService     *registry.RegistryService
	BrokerService       *broker.BrokerService
	ProgressService     *progress.ProgressService
	RunnerService       *runner.RunnerService
	SchedulerService    *scheduler.SchedulerService
	OrchestratorService *orchestrator.OrchestratorService
	IngestionService    *ingestion.IngestionService
	HealthService       *health.HealthService
	Router              *server.APIRouter
	MetricsRegistry     *prometheus.Registry
	LogFactory          logger.LogFactory
}

func NewTestServer(
	db *store.DB,
	jobStore store.JobStore,
	taskStore store.TaskStore,
	eventStore store.EventStore,
	workerStore store.WorkerStore,
	kvStore store.KVStore,
	clk clock.Clock,
	registryService *registry.RegistryService,
	brokerService *broker.BrokerService,
	progressService *progress.ProgressService,
	runnerService *runner.RunnerService,
	schedulerService *scheduler.SchedulerService,
	orchestratorService *orchestrator.OrchestratorService,
	ingestionService *ingestion.IngestionService,
	healthService *health.HealthService,
	router *server.APIRouter,
	metricsRegistry *prometheus.Registry,
	logFactory logger.LogFactory,
) *TestServer {
	brokerService.RegisterHandler(models.TaskNameOrchestratePipeline, orchestratorService.TaskHandler())
	brokerService.RegisterHandler(models.TaskNameRunStep, runnerService.TaskHandler())
	schedulerService.SetLauncher(ingestionService)
	return &TestServer{
		DB:                  db,
		JobStore:            jobStore,
		TaskStore:           taskStore,
		EventStore:          eventStore,
		WorkerStore:         workerStore,
		KVStore:             kvStore,
		Clock:               clk,
		RegistryService:     registryService,
		BrokerService:       brokerService,
		ProgressService:     progressService,
		RunnerService:       runnerService,
		SchedulerService:    schedulerService,
		OrchestratorService: orchestratorService,
		IngestionService:    ingestionService,
		HealthService:       healthService,
		Router:              router,
		MetricsRegistry:     metricsRegistry,
		LogFactory:          logFactory,
	}
}
