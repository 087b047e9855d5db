package app

import (
	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/store"
)

const (
	DefaultAPIServerAddress         = "127.0.0.1:8080"
	DefaultDatabaseDriver           = store.Sqlite
	DefaultDatabaseConnectionString = store.DatabaseConnectionString("file:codegraph.db?cache=shared&_foreign_keys=1")
)

// LogSafeConfigKeys is a list of config keys by name whose values are safe
// to log.
var LogSafeConfigKeys = []string{
	"api_server_address",
	"database_driver",
	"worker_count",
	"log_levels",
}

type ServerConfig struct {
	APIConfig      server.APIServerConfig
	DatabaseConfig store.DatabaseConfig
	BrokerConfig   broker.BrokerConfig
	LogLevels      logger.LogLevelConfig
}
