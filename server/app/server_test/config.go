package server_test

import (
	"time"

	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/app"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/store"
	"github.com/codegraphhq/codegraph/server/store/store_test"
)

// TestConfig returns a ServerConfig backed by a fresh in-memory sqlite
// database, with a fast-polling broker so end-to-end tests complete quickly.
func TestConfig() *app.ServerConfig {
	return &app.ServerConfig{
		APIConfig: server.APIServerConfig{
			HTTPServerConfig: server.HTTPServerConfig{
				Address: "localhost:0",
			},
		},
		DatabaseConfig: store.DatabaseConfig{
			ConnectionString:   store_test.TestConnectionString(),
			Driver:             store.Sqlite,
			MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
			MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
		},
		BrokerConfig: broker.BrokerConfig{
			NrTaskProcessors: 2,
			TaskTimeout:      time.Minute,
			PollInterval:     25 * time.Millisecond,
		},
	}
}
