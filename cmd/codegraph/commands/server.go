package commands

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codegraphhq/codegraph/server/app"
)

const shutdownTimeout = time.Minute

func init() {
	serverCmd.Flags().String(
		"api_server_address",
		app.DefaultAPIServerAddress,
		"The address (host:port) the API server listens on.")
	viper.BindPFlags(serverCmd.Flags())
	RootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the ingestion API server",
	Long:  "Run the REST/WebSocket API server together with the orchestration services. Tasks are dispatched to the shared database; run 'codegraph worker' to execute them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config := serverConfigFromViper()
		srv, cleanup, err := app.New(context.Background(), config)
		if err != nil {
			return err
		}
		defer cleanup()
		srv.StartAPI()

		// Wait for SIGINT or SIGTERM before shutting down
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.StopAPI(ctx); err != nil {
			return err
		}
		log.Print("Server shutdown complete")
		return nil
	},
}
