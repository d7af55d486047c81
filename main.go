package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskflow-server/config"
	"taskflow-server/presence"
	"taskflow-server/realtime"
	"taskflow-server/service"
	"taskflow-server/stores"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("taskflow-server failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var listenAddress, logLevel string

	cmd := &cobra.Command{
		Use:           "taskflow-server",
		Short:         "Task list backend with file attachments and realtime sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(listenAddress, logLevel)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddress, "listen", "", "The address to listen on (overrides LISTEN_ADDR).")
	cmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "The log level: debug, info, warn, error (overrides LOG_LEVEL).")

	cmd.AddCommand(newMigrateCmd(&logLevel))
	return cmd
}

// newMigrateCmd moves tasks between storage ids directly in the configured
// store, without a running server.
func newMigrateCmd(logLevel *string) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "migrate-storage",
		Short: "Move every task of one storage id to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("", *logLevel)
			if err != nil {
				return err
			}
			if cfg.StorageType == "memory" {
				logrus.Warn("STORAGE_TYPE is memory; the migration will not outlive this command")
			}

			ctx := context.Background()
			store, err := stores.GetStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(ctx, store)

			svc := service.New(store, nil, &realtime.Recorder{}, presence.NewTracker(nil))
			moved, err := svc.MigrateStorage(ctx, from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully migrated %d tasks to new storage ID\n", moved)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "The storage id to migrate from.")
	cmd.Flags().StringVar(&to, "to", "", "The storage id to migrate to.")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(listenAddress, logLevel string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddress != "" {
		cfg.ListenAddr = listenAddress
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		return config.Config{}, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, nil
}
