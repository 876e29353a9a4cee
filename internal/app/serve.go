package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/assist-mailsync/internal/api"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
	"github.com/Martian-dev/assist-mailsync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, webhook receiver and sync scheduler",
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

		if c.relay != nil {
			if err := c.relay.Listen(c.broadcaster.Deliver); err != nil {
				return err
			}
		}

		if cfg.Webhook.ClientState == "" {
			log.Warn("webhook.client_state is empty, every Graph notification will be rejected")
		}
		hook := webhook.NewHandler(cfg.Webhook.ClientState, c.store, c.coord, log)
		if cfg.Webhook.ValidateTokens {
			keys, err := webhook.NewCachedKeys(ctx, cfg.Webhook.JWKSURL, time.Hour)
			if err != nil {
				return fmt.Errorf("failed to load identity keys: %w", err)
			}
			hook.WithTokenValidation(webhook.NewTokenValidator(keys, cfg.Webhook.AppID))
		}
		if cfg.Webhook.BaseURL != "" {
			log.WithField("url", cfg.Webhook.BaseURL+"/mailbox/webhooks/graph").Info("Graph notification URL")
		}

		if cfg.Sync.Schedule != "" {
			sched, err := mailsync.NewScheduler(c.coord, cfg.Sync.Schedule, log)
			if err != nil {
				return err
			}
			sched.Start()
			defer func() { <-sched.Stop().Done() }()
		}

		server := api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			Origins:   cfg.Frontend.Origins(),
			RateLimit: cfg.Server.RateLimit,
			RateBurst: cfg.Server.RateBurst,
		}, c.store, c.coord, c.hub, hook.Handle, log)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		select {
		case <-ctx.Done():
			log.Info("shutting down gracefully")
		case err := <-errChan:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("server.addr", ":3000", "listen address")
	serveCmd.Flags().String("sync.schedule", "", "cron expression for the fallback poll, e.g. \"@every 15m\"")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("server.addr"))
	viper.BindPFlag("sync.schedule", serveCmd.Flags().Lookup("sync.schedule"))

	rootCmd.AddCommand(serveCmd)
}
