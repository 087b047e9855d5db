package commands

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codegraphhq/codegraph/common/logger"
	"github.com/codegraphhq/codegraph/server/api/rest/server"
	"github.com/codegraphhq/codegraph/server/app"
	"github.com/codegraphhq/codegraph/server/services/broker"
	"github.com/codegraphhq/codegraph/server/store"
)

const envPrefix = "CODEGRAPH"

func init() {
	cobra.OnInitialize(initEnv)

	RootCmd.PersistentFlags().String(
		"database_driver",
		string(app.DefaultDatabaseDriver),
		"The database driver to use ('sqlite3' or 'postgres').")

	RootCmd.PersistentFlags().String(
		"database_connection_string",
		string(app.DefaultDatabaseConnectionString),
		"The connection string for the shared database.")

	RootCmd.PersistentFlags().String(
		"log_levels",
		"",
		"Per-subsystem log levels, e.g. 'BrokerService=debug,IngestAPI=trace'.")

	viper.BindPFlags(RootCmd.PersistentFlags())
}

// initEnv lets CODEGRAPH_* environment variables stand in for any flag that
// was not set explicitly.
func initEnv() {
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
}

var RootCmd = &cobra.Command{
	Use:   "codegraph",
	Short: "Codegraph ingestion server",
	Long:  "Codegraph runs repository ingestion pipelines: an API server accepts jobs and a worker fleet executes them against a shared database.",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serverConfigFromViper() *app.ServerConfig {
	return &app.ServerConfig{
		APIConfig: server.APIServerConfig{
			HTTPServerConfig: server.HTTPServerConfig{
				Address: viper.GetString("api_server_address"),
			},
		},
		DatabaseConfig: store.DatabaseConfig{
			ConnectionString:   store.DatabaseConnectionString(viper.GetString("database_connection_string")),
			Driver:             store.DBDriver(viper.GetString("database_driver")),
			MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
			MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
		},
		BrokerConfig: broker.BrokerConfig{
			NrTaskProcessors: viper.GetInt("worker_count"),
			TaskTimeout:      viper.GetDuration("step_timeout"),
			PollInterval:     viper.GetDuration("poll_interval"),
		},
		LogLevels: logger.LogLevelConfig(viper.GetString("log_levels")),
	}
}
