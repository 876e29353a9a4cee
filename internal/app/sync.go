package app

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [mailbox-id]",
	Short: "Sync one mailbox, or every mailbox with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if syncAll && len(args) > 0 {
			return errors.New("pass a mailbox id or --all, not both")
		}
		if !syncAll && len(args) != 1 {
			return errors.New("a mailbox id is required unless --all is set")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := build(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer c.Close()

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		if syncAll {
			results, err := c.coord.SyncAll(ctx)
			if encErr := enc.Encode(results); encErr != nil {
				return encErr
			}
			return err
		}

		result, err := c.coord.SyncNow(ctx, args[0])
		if err != nil {
			return err
		}
		return enc.Encode(result)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every mailbox")
	rootCmd.AddCommand(syncCmd)
}
