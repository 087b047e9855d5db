//go:build wireinject
// +build wireinject

package server_test

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/app"
	"github.com/codegraphhq/codegraph/server/services"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/services/health"
	"github.com/codegraphhq/codegraph/server/services/ingestion"
	"github.com/codegraphhq/codegraph/server/services/orchestrator"
	"github.com/codegraphhq/codegraph/server/services/progress"
	"github.com/codegraphhq/codegraph/server/services/registry"
	"github.com/codegraphhq/codegraph/server/services/runner"
	"github.com/codegraphhq/codegraph/server/services/scheduler"
	"github.com/codegraphhq/codegraph/server/store"
	"github.com/codegraphhq/codegraph/server/store/events"
	"github.com/codegraphhq/codegraph/server/store/jobs"
	"github.com/codegraphhq/codegraph/server/store/kv"
	"github.com/codegraphhq/codegraph/server/store/migrations"
	"github.com/codegraphhq/codegraph/server/store/tasks"
	"github.com/codegraphhq/codegraph/server/store/workers"
)

func New(config *app.ServerConfig) (*TestServer, func(), error) {
	panic(wire.Build(
		NewTestServer,
		wire.FieldsOf(new(*app.ServerConfig), "DatabaseConfig", "BrokerConfig", "LogLevels"),
		context.Background,
		store.NewDatabase,
		migrations.NewCodegraphMigrateRunner,
		wire.Bind(new(store.MigrationRunner), new(*migrations.GolangMigrateRunner)),

		// Stores
		jobs.NewStore,
		wire.Bind(new(store.JobStore), new(*jobs.JobStore)),
		tasks.NewStore,
		wire.Bind(new(store.TaskStore), new(*tasks.TaskStore)),
		events.NewStore,
		wire.Bind(new(store.EventStore), new(*events.EventStore)),
		workers.NewStore,
		wire.Bind(new(store.WorkerStore), new(*workers.WorkerStore)),
		kv.NewStore,
		wire.Bind(new(store.KVStore), new(*kv.KVStore)),

		// Services
		registry.NewRegistryService,
		wire.Bind(new(services.RegistryService), new(*registry.RegistryService)),
		broker.NewBrokerService,
		wire.Bind(new(services.BrokerService), new(*broker.BrokerService)),
		progress.NewProgressService,
		wire.Bind(new(services.ProgressService), new(*progress.ProgressService)),
		runner.NewRunnerService,
		scheduler.NewSchedulerService,
		wire.Bind(new(services.SchedulerService), new(*scheduler.SchedulerService)),
		orchestrator.NewOrchestratorService,
		ingestion.NewIngestionService,
		wire.Bind(new(services.IngestionService), new(*ingestion.IngestionService)),
		health.NewHealthService,
		wire.Bind(new(services.HealthService), new(*health.HealthService)),

		// API
		server.NewIngestAPI,
		server.NewIngestStatusWebSocketAPI,
		server.NewHealthAPI,
		server.NewAPIRouter,
		app.MakeMetricsRegistry,
		wire.Bind(new(prometheus.Registerer), new(*prometheus.Registry)),
		wire.Bind(new(prometheus.Gatherer), new(*prometheus.Registry)),

		logger.NewLogRegistry,
		logger.MakeLogrusLogFactoryStdOut,
		clock.New,
	))
}
