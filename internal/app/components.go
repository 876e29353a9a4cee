package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/archive"
	"github.com/Martian-dev/assist-mailsync/internal/config"
	"github.com/Martian-dev/assist-mailsync/internal/models"
	natsjs "github.com/Martian-dev/assist-mailsync/internal/nats"
	"github.com/Martian-dev/assist-mailsync/internal/providers/gmail"
	"github.com/Martian-dev/assist-mailsync/internal/providers/imap"
	"github.com/Martian-dev/assist-mailsync/internal/providers/outlook"
	"github.com/Martian-dev/assist-mailsync/internal/realtime"
	"github.com/Martian-dev/assist-mailsync/internal/store"
	"github.com/Martian-dev/assist-mailsync/internal/store/postgres"
	"github.com/Martian-dev/assist-mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/assist-mailsync/internal/sync"
)

// components is everything a command needs to run syncs and publish events
type components struct {
	store       store.Store
	hub         *realtime.Hub
	broadcaster *realtime.Broadcaster
	relay       *natsjs.Relay
	engine      *mailsync.Engine
	coord       *mailsync.Coordinator
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.IsPostgres() {
		st, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlite.Open(cfg.URL)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildProviders(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (map[models.ProviderName]mailsync.MailProvider, error) {
	providers := make(map[models.ProviderName]mailsync.MailProvider)

	if cfg.Graph.Enabled() {
		p, err := outlook.New(ctx, outlook.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			RateLimit:    cfg.Graph.RateLimit,
			Folder:       cfg.Graph.Folder,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up Graph provider: %w", err)
		}
		providers[models.ProviderMicrosoft] = p
	}
	if cfg.Gmail.CredentialsFile != "" {
		p, err := gmail.New(ctx, cfg.Gmail.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to set up Gmail provider: %w", err)
		}
		providers[models.ProviderGoogle] = p
	}
	if len(cfg.IMAP.Accounts) > 0 {
		providers[models.ProviderIMAP] = imap.New(cfg.IMAP.Accounts)
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, string(name))
	}
	log.WithField("providers", names).Info("mail providers configured")
	return providers, nil
}

func build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*components, error) {
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c := &components{store: st}

	c.hub = realtime.NewHub(cfg.Realtime.Buffer, log)
	c.broadcaster = realtime.NewBroadcaster(c.hub, st, log)

	if cfg.NATS.URL != "" {
		relay, err := natsjs.Connect(cfg.NATS.URL, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.relay = relay
		if err := relay.EnsureStream(ctx); err != nil {
			c.Close()
			return nil, err
		}
		c.broadcaster.WithRelay(relay)
	}

	providers, err := buildProviders(ctx, cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.engine = mailsync.NewEngine(st, providers, c.broadcaster, log)

	if cfg.Archive.Bucket != "" {
		a, err := archive.New(ctx, archive.Config{
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		}, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.engine.WithArchiver(a)
	}

	c.coord = mailsync.NewCoordinator(c.engine, st, cfg.Sync.Concurrency, log)
	return c, nil
}

// Close waits briefly for background syncs, then releases connections
func (c *components) Close() {
	if c.coord != nil {
		c.coord.Shutdown(10 * time.Second) //nolint:errcheck
	}
	if c.relay != nil {
		c.relay.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
}
