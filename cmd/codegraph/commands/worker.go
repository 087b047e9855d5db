package commands

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codegraphhq/codegraph/server/app"
	"github.com/codegraphhq/codegraph/server/services/broker"
)

func init() {
	workerCmd.Flags().Int(
		"worker_count",
		broker.DefaultNrTaskProcessors,
		"The number of concurrent task processors to run.")
	workerCmd.Flags().Duration(
		"step_timeout",
		broker.DefaultTaskTimeout,
		"The hard time limit for a single task execution.")
	workerCmd.Flags().Duration(
		"poll_interval",
		broker.DefaultPollInterval,
		"How often an idle processor checks the task queues.")
	viper.BindPFlags(workerCmd.Flags())
	RootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker fleet",
	Long:  "Run a fleet of task processors that claim orchestrate_pipeline and run_step tasks from the shared database-backed broker and execute them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config := serverConfigFromViper()
		srv, cleanup, err := app.New(context.Background(), config)
		if err != nil {
			return err
		}
		defer cleanup()
		srv.StartWorkers()

		// Wait for SIGINT or SIGTERM before shutting down
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-done

		srv.StopWorkers()
		log.Print("Worker shutdown complete")
		return nil
	},
}
