package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/shapedtime/cinegate/internal/api"
	"github.com/shapedtime/cinegate/internal/arr"
	"github.com/shapedtime/cinegate/internal/config"
	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/metrics"
	"github.com/shapedtime/cinegate/internal/qbittorrent"
	"github.com/shapedtime/cinegate/internal/settings"
	"github.com/shapedtime/cinegate/internal/streaming"
	"github.com/shapedtime/cinegate/internal/torrent"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting cinegate", "config", *configPath, "engine", cfg.Torrent.Engine)

	if err := run(cfg); err != nil {
		slog.Error("cinegate stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("cinegate stopped")
}

func run(cfg *config.Config) error {
	// Ensure required directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings database
	dsn := cfg.Database.Path
	if cfg.Database.Driver == config.DriverPostgres {
		dsn = cfg.Database.DSN
	}
	db, err := settings.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("Settings database initialized", "driver", db.Driver())

	store := settings.NewStore(db)
	if err := seedSettings(ctx, store, cfg); err != nil {
		return err
	}
	settingsCache := settings.NewCache(store, cfg.CacheTTL())

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	arrClient := arr.New(settingsCache, nil)

	var (
		engine  media.TorrentEngine
		manager api.TorrentManager
		probes  []api.Probe
	)

	switch cfg.Torrent.Engine {
	case config.EngineEmbedded:
		emb, cleanup, err := startEmbedded(ctx, cfg, m)
		if err != nil {
			return err
		}
		defer cleanup()
		reg.MustRegister(metrics.NewTorrentCollector(emb))
		engine, manager = emb, emb

	default:
		qbt := qbittorrent.New(settingsCache, nil)
		engine = qbt
		probes = append(probes, api.Probe{
			Name: settings.ServiceQBittorrent,
			Check: func(ctx context.Context) error {
				_, err := qbt.Version(ctx)
				return err
			},
		})
	}

	probes = append(probes,
		api.Probe{
			Name:  settings.ServiceSonarr,
			Check: func(ctx context.Context) error { return arrClient.Ping(ctx, settings.ServiceSonarr) },
		},
		api.Probe{
			Name:  settings.ServiceRadarr,
			Check: func(ctx context.Context) error { return arrClient.Ping(ctx, settings.ServiceRadarr) },
		},
		api.Probe{
			Name:  "database",
			Check: db.PingContext,
		},
	)

	resolver := media.NewResolver(engine, arrClient, media.ResolverOptions{
		Mappings: cfg.PathMappings,
		Timeout:  cfg.UpstreamTimeout(),
		Sniff:    cfg.Streaming.Sniff,
		Observer: m.ObserveUpstream,
	})
	gate := media.NewGate(resolver, media.GateOptions{
		MinReadyFraction: cfg.Streaming.MinReadyFraction,
		PrepareRate:      cfg.Streaming.PrepareRate,
		PrepareBurst:     cfg.Streaming.PrepareBurst,
	})
	streamer := streaming.NewServer(cfg.Streaming.ChunkSize, nil)

	apiServer := api.NewServer(resolver, gate, streamer, m)
	if manager != nil {
		apiServer.SetTorrentManager(manager)
	}
	apiServer.SetStatus(cfg.Torrent.Engine, probes...)

	// Streams can run for hours, so there is no write timeout.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort != 0 {
		metricsServer = metrics.NewServer(cfg.Server.MetricsPort, reg)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting REST API server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	slog.Info("cinegate is ready",
		"stream_url", fmt.Sprintf("http://localhost:%d/api/stream/{handle}", cfg.Server.HTTPPort),
	)

	return g.Wait()
}

// seedSettings copies integration settings from the config file into the
// database. Rows that already exist are left alone.
func seedSettings(ctx context.Context, store *settings.Store, cfg *config.Config) error {
	seeds := []settings.Integration{
		{
			Service:  settings.ServiceQBittorrent,
			BaseURL:  cfg.QBittorrent.URL,
			Username: cfg.QBittorrent.Username,
			Secret:   cfg.QBittorrent.Password,
		},
		{Service: settings.ServiceSonarr, BaseURL: cfg.Sonarr.URL, Secret: cfg.Sonarr.APIKey},
		{Service: settings.ServiceRadarr, BaseURL: cfg.Radarr.URL, Secret: cfg.Radarr.APIKey},
	}

	for _, in := range seeds {
		inserted, err := store.Seed(ctx, in)
		if err != nil {
			return err
		}
		if inserted {
			slog.Info("Seeded integration settings from config", "service", in.Service)
		}
	}
	return nil
}

// startEmbedded builds the in-process torrent engine and restores the
// torrents of earlier runs. cleanup releases everything it opened.
func startEmbedded(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*torrent.Engine, func(), error) {
	emb := cfg.Torrent.Embedded

	peerID, err := torrent.GetOrCreatePeerID(filepath.Join(emb.MetadataFolder, "peer_id"))
	if err != nil {
		return nil, nil, fmt.Errorf("peer id: %w", err)
	}

	itemStore, err := torrent.NewItemStore(filepath.Join(emb.MetadataFolder, "dht-items"), time.Duration(emb.DHTItemsTTL)*time.Hour)
	if err != nil {
		return nil, nil, fmt.Errorf("dht item store: %w", err)
	}

	st, err := torrent.InitStorage(emb.DataFolder, emb.MetadataFolder)
	if err != nil {
		itemStore.Close()
		return nil, nil, err
	}

	client, err := torrent.NewClient(emb, torrent.ClientConfig{
		Storage:   st,
		ItemStore: itemStore,
		PeerID:    peerID,
	})
	if err != nil {
		st.Close()
		itemStore.Close()
		return nil, nil, err
	}

	const mb = 1024 * 1024
	engine := torrent.NewEngine(client, torrent.EngineOptions{
		DataDir:     emb.DataFolder,
		MetadataDir: emb.MetadataFolder,
		AddTimeout:  emb.AddTimeoutDuration(),
		Priority: streaming.PriorityConfig{
			HeaderPriorityBytes: emb.HeaderPriorityMB * mb,
			FooterPriorityBytes: emb.FooterPriorityMB * mb,
			UrgentBufferBytes:   emb.UrgentBufferMB * mb,
			ReadaheadBytes:      emb.ReadaheadMB * mb,
		},
		Hooks: streaming.PrioritizerHooks{
			OnBoost:     m.ObserveBoost,
			OnDowngrade: m.ObserveDowngrade,
		},
	})

	cleanup := func() {
		if err := engine.Close(); err != nil {
			slog.Error("Failed to close torrent engine", "error", err)
		}
		// Closing file storage also closes its piece completion database.
		if err := st.Close(); err != nil {
			slog.Error("Failed to close torrent storage", "error", err)
		}
		if err := itemStore.Close(); err != nil {
			slog.Error("Failed to close DHT item store", "error", err)
		}
	}

	n, err := engine.Restore(ctx)
	if err != nil {
		slog.Warn("Failed to restore torrents", "error", err)
	}
	slog.Info("Embedded torrent engine ready", "restored", n, "data_dir", emb.DataFolder)

	return engine, cleanup, nil
}
