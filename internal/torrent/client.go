// Package torrent is the embedded BitTorrent engine. It downloads into a
// plain directory tree so the gateway serves its files like any other file
// on disk.
package torrent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"github.com/shapedtime/cinegate/internal/config"
)

// ClientConfig holds all components needed for client creation.
type ClientConfig struct {
	Storage   storage.ClientImpl
	ItemStore bep44.Store
	PeerID    [20]byte
}

// torrentLogHandler adapts slog for anacrolix/torrent's logger.
type torrentLogHandler struct {
	log *slog.Logger
}

func (h *torrentLogHandler) Handle(r tlog.Record) {
	h.log.Log(context.Background(), slogLevel(r.Level), r.Msg.String())
}

func slogLevel(l tlog.Level) slog.Level {
	switch l {
	case tlog.Critical, tlog.Error:
		return slog.LevelError
	case tlog.Warning:
		return slog.LevelWarn
	case tlog.Info:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// InitStorage creates file storage under dataDir, laid out as
// dataDir/<torrent name>/<file path>, with piece completion tracked in a
// bolt database under metadataDir. Closing the storage also closes the
// completion database.
func InitStorage(dataDir, metadataDir string) (storage.ClientImplCloser, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	pcDir := filepath.Join(metadataDir, "piece-completion")
	if err := os.MkdirAll(pcDir, 0755); err != nil {
		return nil, fmt.Errorf("create piece completion dir: %w", err)
	}

	pc, err := storage.NewBoltPieceCompletion(pcDir)
	if err != nil {
		return nil, fmt.Errorf("open piece completion: %w", err)
	}

	st := storage.NewFileWithCompletion(dataDir, pc)

	slog.Info("torrent storage initialized",
		"data_dir", dataDir,
		"piece_completion_dir", pcDir,
	)

	return st, nil
}

// NewClient creates a new torrent client with the given configuration.
func NewClient(cfg config.EmbeddedConfig, cc ClientConfig) (*torrent.Client, error) {
	log := slog.With("component", "torrent-client")

	torrentCfg := torrent.NewDefaultClientConfig()
	torrentCfg.Seed = cfg.Seed
	torrentCfg.PeerID = string(cc.PeerID[:])
	torrentCfg.DefaultStorage = cc.Storage
	torrentCfg.ListenPort = cfg.ListenPort
	torrentCfg.DisableIPv6 = cfg.DisableIPv6

	tl := tlog.NewLogger()
	tl.SetHandlers(&torrentLogHandler{log: log})
	torrentCfg.Logger = tl

	if cc.ItemStore != nil {
		itemsTTL := time.Duration(cfg.DHTItemsTTL) * time.Hour
		torrentCfg.ConfigureAnacrolixDhtServer = func(dhtCfg *dht.ServerConfig) {
			dhtCfg.Store = cc.ItemStore
			dhtCfg.Exp = itemsTTL
			dhtCfg.NoSecurity = false
		}
	}

	client, err := torrent.NewClient(torrentCfg)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	log.Info("torrent client created",
		"listen_port", cfg.ListenPort,
		"seeding", cfg.Seed,
		"ipv6_disabled", cfg.DisableIPv6,
	)

	return client, nil
}
