package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shapedtime/cinegate/internal/torrent"
)

// StatsSource provides per-torrent snapshots, implemented by torrent.Engine.
type StatsSource interface {
	CollectStats() []torrent.FullStats
}

// TorrentCollector implements prometheus.Collector for the embedded
// engine. It polls the engine on each scrape instead of keeping a copy of
// its state.
type TorrentCollector struct {
	source StatsSource

	// Per-torrent descriptors (labels: info_hash, name)
	sizeBytes        *prometheus.Desc
	bytesCompleted   *prometheus.Desc
	progressRatio    *prometheus.Desc
	peersActive      *prometheus.Desc
	seedersConnected *prometheus.Desc
	peersHalfOpen    *prometheus.Desc
	piecesComplete   *prometheus.Desc
	downloadedTotal  *prometheus.Desc
	uploadedTotal    *prometheus.Desc
	chunksWasted     *prometheus.Desc
	piecesVerified   *prometheus.Desc
	piecesFailed     *prometheus.Desc

	torrentsLoaded *prometheus.Desc
}

var torrentLabels = []string{"info_hash", "name"}

func torrentDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "torrent", name), help, torrentLabels, nil)
}

// NewTorrentCollector creates a collector that scrapes engine stats on demand.
func NewTorrentCollector(src StatsSource) *TorrentCollector {
	return &TorrentCollector{
		source: src,

		sizeBytes:        torrentDesc("size_bytes", "Total size of the torrent in bytes."),
		bytesCompleted:   torrentDesc("bytes_completed", "Bytes downloaded and verified."),
		progressRatio:    torrentDesc("progress_ratio", "Download progress from 0.0 to 1.0."),
		peersActive:      torrentDesc("peers_active", "Number of actively transferring peers."),
		seedersConnected: torrentDesc("seeders_connected", "Number of connected seeders."),
		peersHalfOpen:    torrentDesc("peers_half_open", "Number of half-open (connecting) peers."),
		piecesComplete:   torrentDesc("pieces_complete", "Number of fully downloaded pieces."),
		downloadedTotal:  torrentDesc("downloaded_bytes_total", "Total data bytes downloaded from peers."),
		uploadedTotal:    torrentDesc("uploaded_bytes_total", "Total data bytes uploaded to peers."),
		chunksWasted:     torrentDesc("chunks_wasted_total", "Wasted chunks received (duplicates or unwanted)."),
		piecesVerified:   torrentDesc("pieces_verified_total", "Pieces that passed hash verification."),
		piecesFailed:     torrentDesc("pieces_failed_total", "Pieces that failed hash verification."),

		torrentsLoaded: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "torrents_loaded"),
			"Number of torrents loaded in the embedded engine.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TorrentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sizeBytes
	ch <- c.bytesCompleted
	ch <- c.progressRatio
	ch <- c.peersActive
	ch <- c.seedersConnected
	ch <- c.peersHalfOpen
	ch <- c.piecesComplete
	ch <- c.downloadedTotal
	ch <- c.uploadedTotal
	ch <- c.chunksWasted
	ch <- c.piecesVerified
	ch <- c.piecesFailed
	ch <- c.torrentsLoaded
}

// Collect implements prometheus.Collector.
func (c *TorrentCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.CollectStats()

	for _, s := range stats {
		labels := []string{s.InfoHash, s.Name}

		var progress float64
		if s.TotalSize > 0 {
			progress = float64(s.BytesCompleted) / float64(s.TotalSize)
		}

		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v int64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}

		gauge(c.sizeBytes, float64(s.TotalSize))
		gauge(c.bytesCompleted, float64(s.BytesCompleted))
		gauge(c.progressRatio, progress)
		gauge(c.peersActive, float64(s.ActivePeers))
		gauge(c.seedersConnected, float64(s.ConnectedSeeders))
		gauge(c.peersHalfOpen, float64(s.HalfOpenPeers))
		gauge(c.piecesComplete, float64(s.PiecesComplete))
		counter(c.downloadedTotal, s.BytesReadData)
		counter(c.uploadedTotal, s.BytesWrittenData)
		counter(c.chunksWasted, s.ChunksReadWasted)
		counter(c.piecesVerified, s.PiecesDirtiedGood)
		counter(c.piecesFailed, s.PiecesDirtiedBad)
	}

	ch <- prometheus.MustNewConstMetric(c.torrentsLoaded, prometheus.GaugeValue, float64(len(stats)))
}
