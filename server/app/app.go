package app

import (
	"context"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/common/models"
	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/services/orchestrator"
	"github.com/codegraphhq/codegraph/server/services/runner"
	"github.com/codegraphhq/codegraph/server/services/scheduler"
)

type Server struct {
	IngestionService services.IngestionService
	ProgressService  services.ProgressService
	RegistryService  services.RegistryService
	HealthService    services.HealthService
	BrokerService    *broker.BrokerService
	APIServer        *server.IngestAPIServer
	LogFactory       logger.LogFactory
}

func NewServer(
	ingestionService services.IngestionService,
	progressService services.ProgressService,
	registryService services.RegistryService,
	healthService services.HealthService,
	brokerService *broker.BrokerService,
	orchestratorService *orchestrator.OrchestratorService,
	runnerService *runner.RunnerService,
	schedulerService *scheduler.SchedulerService,
	apiServer *server.IngestAPIServer,
	logFactory logger.LogFactory,
) *Server {
	// Both the server and worker processes register task handlers so the
	// broker can vet dispatches and execute claims against the same set.
	brokerService.RegisterHandler(models.TaskNameOrchestratePipeline, orchestratorService.TaskHandler())
	brokerService.RegisterHandler(models.TaskNameRunStep, runnerService.TaskHandler())
	// The scheduler launches released jobs through the ingestion service;
	// the late bind breaks the construction cycle between the two.
	schedulerService.SetLauncher(ingestionService)
	return &Server{
		IngestionService: ingestionService,
		ProgressService:  progressService,
		RegistryService:  registryService,
		HealthService:    healthService,
		BrokerService:    brokerService,
		APIServer:        apiServer,
		LogFactory:       logFactory,
	}
}

// StartAPI begins serving the REST and WebSocket API.
func (s *Server) StartAPI() {
	s.APIServer.Start()
}

// StopAPI shuts the API down gracefully, allowing in-flight requests to
// complete until ctx expires.
func (s *Server) StopAPI(ctx context.Context) error {
	return s.APIServer.Stop(ctx)
}

// StartWorkers starts the broker's task processors.
func (s *Server) StartWorkers() {
	s.BrokerService.Start()
}

// StopWorkers stops the broker's task processors, waiting for in-flight
// tasks to finish.
func (s *Server) StopWorkers() {
	s.BrokerService.Stop()
}
