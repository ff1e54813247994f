package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydocs/internal/config"
	"github.com/agentworkforce/relaydocs/internal/httpapi"
	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/metrics"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

const userAgent = "relaydocs/1.0"

func main() {
	configPath := flag.String("config", os.Getenv("RELAYDOCS_CONFIG"), "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("relaydocs: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	applyLogLevel(level, cfg.Logging.Level)
	logger := logging.New(os.Stdout, cfg.Logging.Format, level)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config, err error) {
				if err != nil {
					logger.Warn(ctx, "config reload failed", "error", err)
					return
				}
				applyLogLevel(level, next.Logging.Level)
				logger.Info(ctx, "config reloaded", "logLevel", next.Logging.Level)
			})
			if err != nil {
				logger.Warn(ctx, "config watch stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "relaydocs listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func applyLogLevel(level *slog.LevelVar, raw string) {
	parsed, err := logging.ParseLevel(raw)
	if err != nil {
		log.Printf("invalid log level %q, using %s", raw, parsed)
	}
	level.Set(parsed)
}

type app struct {
	handler http.Handler
	closers []func() error
}

// Close releases stores in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildApp wires stores, collaborators and the HTTP surface from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	content, err := relaydocs.BuildContentStoreFromDSN(ctx, cfg.ContentDSN())
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	store, err := relaydocs.BuildMetadataStoreFromDSN(ctx, cfg.Metadata.DSN, content)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	leases, closeLeases, err := relaydocs.BuildLeaseStoreFromDSN(ctx, cfg.Lease.DSN)
	if err != nil {
		return nil, fmt.Errorf("lease store: %w", err)
	}
	a.closers = append(a.closers, closeLeases)

	var (
		projects     relaydocs.ProjectService
		projectCache relaydocs.ProjectCache
	)
	if cfg.Projects.BaseURL != "" {
		projects = relaydocs.NewProjectClient(serviceOptions(cfg.Projects.BaseURL, cfg.Projects.Token, 0, 0))
		cacheDSN := cfg.Projects.CacheDSN
		if cacheDSN == "" {
			cacheDSN = "memory://"
		}
		cache, closeCache, err := relaydocs.BuildProjectCacheFromDSN(ctx, cacheDSN, cfg.Projects.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("project cache: %w", err)
		}
		a.closers = append(a.closers, closeCache)
		projectCache = cache
	}

	users := buildDirectory(cfg.Directory)
	keys := relaydocs.NewSignedKeys(cfg.Auth.KeySecret)
	shareLinks := relaydocs.NewShareLinks(cfg.Auth.ShareLinkSecret, store, store)
	links := &relaydocs.Links{
		PublicURL:   cfg.Links.PublicURL,
		HandlerPath: cfg.Server.FileHandlerPath,
		Keys:        keys,
		Content:     content,
	}
	downloader := relaydocs.HTTPDownloader{}

	var converter relaydocs.Converter
	if cfg.Conversion.BaseURL != "" {
		opts := serviceOptions(cfg.Conversion.BaseURL, cfg.Conversion.Token, cfg.Conversion.Timeout, cfg.Conversion.MaxRetries)
		converter = relaydocs.NewConversionClient(opts, links, downloader)
	}

	var bridges []relaydocs.ProviderAdapter
	for _, key := range cfg.Providers.Keys {
		bridges = append(bridges, relaydocs.NewProviderBridge(key, serviceOptions(cfg.Providers.BridgeURL, cfg.Providers.Token, 0, 0)))
	}
	adapters := relaydocs.NewAdapterRegistry(bridges...)

	security := relaydocs.NewShareSecurity(store, store, store, users)
	marker := relaydocs.NewFileMarker(store, store, store, users)
	tracker := relaydocs.NewEditTracker(relaydocs.TrackerDeps{
		Files:          store,
		Tags:           store,
		Security:       security,
		Users:          users,
		Links:          shareLinks,
		Adapters:       adapters,
		Marker:         marker,
		SessionTimeout: cfg.Editor.SessionTimeout,
		Logger:         logger,
	})
	ledger := relaydocs.NewLedger(relaydocs.LedgerDeps{
		Files:      store,
		Tracker:    tracker,
		Marker:     marker,
		Security:   security,
		Users:      users,
		Converter:  converter,
		Downloader: downloader,
		TempLinks:  links,
		Adapters:   adapters,
		ShareLinks: shareLinks,
		Guard:      relaydocs.NewUpdateGuard(leases, cfg.Lease.TTL, logger, metrics.NewLeaseMetrics()),
		Logger:     logger,
	})
	catalog := relaydocs.NewCatalog(relaydocs.CatalogDeps{
		Files:        store,
		Folders:      store,
		Shares:       store,
		Providers:    store,
		Security:     security,
		Users:        users,
		Marker:       marker,
		Projects:     projects,
		ProjectCache: projectCache,
		Logger:       logger,
	})

	server := httpapi.NewServer(httpapi.Deps{
		Store:      store,
		Catalog:    catalog,
		Ledger:     ledger,
		Tracker:    tracker,
		Track:      relaydocs.NewTrackProcessor(store, tracker, ledger, downloader, logger),
		Security:   security,
		Marker:     marker,
		Converter:  converter,
		Downloader: downloader,
		Links:      links,
		Keys:       keys,
		ShareLinks: shareLinks,
		Gate:       relaydocs.NewTenantBilling(cfg.Tenants.Unpaid...),
		Metrics:    metrics.NewDeliveryMetrics(),
		Logger:     logger,
	}, httpapi.ServerConfig{
		JWTSecret:           cfg.Auth.JWTSecret,
		SignatureSecret:     cfg.Auth.SignatureSecret,
		RateLimitMax:        cfg.Server.RateLimitMax,
		RateLimitWindow:     cfg.Server.RateLimitWindow,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		FileHandlerPath:     cfg.Server.FileHandlerPath,
		InlineThreshold:     cfg.Delivery.InlineThreshold,
		ChunkSize:           cfg.Delivery.ChunkSize,
		PresignExpire:       cfg.Delivery.PresignExpire,
		StreamURLExpire:     cfg.Auth.StreamURLExpire,
		TrackCallbackExpire: cfg.Auth.TrackCallbackExpire,
		BulkTitle:           cfg.Delivery.BulkTitle,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", server)
	a.handler = mux
	return a, nil
}

func buildDirectory(cfg config.DirectoryConfig) *relaydocs.MemoryDirectory {
	users := relaydocs.NewMemoryDirectory()
	for _, u := range cfg.Users {
		users.AddUser(u.ID, u.Name, u.Visitor)
	}
	for _, g := range cfg.Groups {
		users.AddGroup(g.ID, g.Members...)
	}
	return users
}

func serviceOptions(baseURL, token string, timeout time.Duration, retries int) relaydocs.ServiceClientOptions {
	opts := relaydocs.ServiceClientOptions{
		BaseURL:    baseURL,
		Token:      token,
		UserAgent:  userAgent,
		MaxRetries: retries,
	}
	if timeout > 0 {
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	return opts
}
