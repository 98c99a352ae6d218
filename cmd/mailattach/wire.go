package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailattach/internal/attachment"
	"github.com/nhle/mailattach/internal/cache"
	"github.com/nhle/mailattach/internal/credential"
	"github.com/nhle/mailattach/internal/metrics"
	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/platform"
	"github.com/nhle/mailattach/internal/progress"
	"github.com/nhle/mailattach/internal/source/direct"
	"github.com/nhle/mailattach/internal/source/email"
	"github.com/nhle/mailattach/internal/source/mailapi"
	"github.com/nhle/mailattach/internal/store"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *model.AppConfig
	logger   *logrus.Logger
	index    *store.SQLiteStore
	cache    *cache.Store
	hub      *progress.Hub
	evictor  *cache.Evictor
	resolver *attachment.Resolver
	service  *attachment.Service
	tokens   *credential.Keyring
	metrics  *metrics.Observer
}

// newApp wires every component from configuration and runs the startup
// sweep. reg receives the Prometheus collectors; nil selects a private
// registry so one-shot commands do not touch global state.
func newApp(ctx context.Context, cfg *model.AppConfig, logger *logrus.Logger, reg prometheus.Registerer) (*app, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	index, err := store.NewSQLiteStore(cfg.Cache.IndexPath)
	if err != nil {
		// The index only mirrors the cache directory; run without it.
		logger.WithError(err).Warn("Cache index unavailable, continuing without it")
		index = nil
	}

	obs, err := metrics.NewObserver("mailattach", reg)
	if err != nil {
		if index != nil {
			index.Close()
		}
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	storeOpts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithPreviewDir(cfg.Preview.Dir),
	}
	if index != nil {
		storeOpts = append(storeOpts, cache.WithIndex(index))
	}
	cacheStore := cache.NewStore(cfg.Cache.Dir, storeOpts...)
	if _, err := cacheStore.EnsureDirectory(); err != nil {
		logger.WithError(err).Warn("Cache directory unavailable")
	}

	hub := progress.NewHub()
	tokens := credential.NewKeyring(nil, cfg.Credential.TokenKey)

	resolverOpts := []attachment.ResolverOption{
		attachment.WithResolverLogger(logger),
		attachment.WithObserver(obs),
		attachment.WithURLFetcher(direct.NewClient(nil)),
		attachment.WithCoalescing(cfg.Cache.CoalesceFetches),
	}
	if fetcher := remoteFetcher(cfg); fetcher != nil {
		resolverOpts = append(resolverOpts, attachment.WithRemote(fetcher, tokenProvider(tokens)))
	}
	resolver := attachment.NewResolver(cacheStore, hub, resolverOpts...)

	service := attachment.NewService(resolver,
		attachment.WithDownloads(platform.NewDownloads(cfg.Downloads.Dir)),
		attachment.WithViewer(platform.NewViewer(cfg.Preview.Viewer)),
		attachment.WithNotifier(platform.NewLogNotifier(logger)),
		attachment.WithServiceLogger(logger),
	)

	evictor := cache.NewEvictor(cacheStore, cfg.Cache.Retention(),
		cache.WithEvictorLogger(logger),
		cache.WithSweepObserver(obs),
	)
	evictor.Sweep(ctx)

	return &app{
		cfg:      cfg,
		logger:   logger,
		index:    index,
		cache:    cacheStore,
		hub:      hub,
		evictor:  evictor,
		resolver: resolver,
		service:  service,
		tokens:   tokens,
		metrics:  obs,
	}, nil
}

// remoteFetcher selects IMAP or the mail API, or nil when neither is
// configured.
func remoteFetcher(cfg *model.AppConfig) attachment.RemoteFetcher {
	if cfg.IMAP.Enabled && cfg.IMAP.Host != "" {
		return email.NewIMAPClient(cfg.IMAP.Host, cfg.IMAP.Port, cfg.IMAP.Username, cfg.IMAP.Mailbox, cfg.IMAP.TLS)
	}
	if cfg.MailAPI.BaseURL != "" {
		return mailapi.NewClient(cfg.MailAPI.BaseURL,
			mailapi.WithTimeout(time.Duration(cfg.MailAPI.TimeoutSec)*time.Second),
			mailapi.WithMaxRetries(cfg.MailAPI.MaxRetries),
		)
	}
	return nil
}

// tokenProvider prefers MAILATTACH_TOKEN over the keyring.
func tokenProvider(k *credential.Keyring) attachment.TokenProvider {
	if t := os.Getenv("MAILATTACH_TOKEN"); t != "" {
		return credential.Static(t)
	}
	return k
}

func (a *app) Close() {
	a.evictor.Stop()
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.WithError(err).Warn("Closing cache index")
		}
	}
}
