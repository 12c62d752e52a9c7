// demised runs the server demise pipeline daemon and ships a small
// operator command for publishing pipeline requests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/broker"
	"github.com/TechGeekConnectTech/demised/internal/config"
	"github.com/TechGeekConnectTech/demised/internal/logging"
	"github.com/TechGeekConnectTech/demised/internal/manager"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "demised",
		Short:         "Message-driven server decommissioning pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "demised.yaml", "path to config file")
	root.AddCommand(runCmd(), requestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			mgr, err := manager.New(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("demised starting",
				zap.String("broker", cfg.Broker.URL),
				zap.String("subject", cfg.Broker.Subject))
			return mgr.Run(ctx)
		},
	}
}

func requestCmd() *cobra.Command {
	var serverID string
	var coolingOnly bool

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish a pipeline request for a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serverID == "" {
				return fmt.Errorf("--server-id is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			client, err := broker.Connect(cfg.Broker, log)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.EnsureStream(cfg.Dedupe.Window); err != nil {
				return err
			}

			action := message.ActionCheckServer
			if coolingOnly {
				action = message.ActionStartCoolingPeriod
			}
			msg := message.New(action, message.StatusPending, message.Payload{"server_id": serverID})
			msg.Text = fmt.Sprintf("Demise request for server %s", serverID)

			if !client.Produce(cmd.Context(), msg) {
				return fmt.Errorf("broker did not acknowledge the request")
			}
			fmt.Printf("published %s for server %s (request id %s)\n", action, serverID, msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server-id", "", "server to decommission")
	cmd.Flags().BoolVar(&coolingOnly, "cooling-only", false, "start the cooling period directly instead of the full pipeline")
	return cmd
}
