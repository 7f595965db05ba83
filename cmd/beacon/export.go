package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/beacon/internal/backup"
	"github.com/alfredjeanlab/beacon/internal/config"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored event log to stdout as JSONL",
	Long: `Open the configured event store directly and copy every stored event
to stdout, one JSON object per line, in append order.

Reads the same BEACON_* settings as serve.`,
	GroupID:           "system",
	Args:              cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Export(ctx, cmd.OutOrStdout())
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the event log to the configured backup destinations once",
	Long: `Run a single backup of the event log to every destination configured
by BEACON_BACKUP_S3_BUCKET and BEACON_BACKUP_GIT_REPO, then exit.`,
	GroupID:           "system",
	Args:              cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}
		ctx := context.Background()

		dests := backupDestinations(ctx, cfg, logger)
		if len(dests) == 0 {
			return fmt.Errorf("no backup destinations configured")
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		return backup.NewScheduler(st, dests, cfg.BackupInterval.Duration, nil, logger).RunOnce(ctx)
	},
}
