package torrent

import "github.com/anacrolix/torrent"

// FullStats is a point-in-time snapshot of one torrent for metrics.
type FullStats struct {
	InfoHash       string
	Name           string
	TotalSize      int64
	BytesCompleted int64

	ActivePeers      int
	ConnectedSeeders int
	HalfOpenPeers    int
	PiecesComplete   int

	// Cumulative counters since the torrent was added
	BytesReadData     int64
	BytesWrittenData  int64
	ChunksReadWasted  int64
	PiecesDirtiedGood int64
	PiecesDirtiedBad  int64
}

func fullStats(t *torrent.Torrent) FullStats {
	stats := t.Stats()

	fs := FullStats{
		InfoHash:          t.InfoHash().HexString(),
		BytesCompleted:    t.BytesCompleted(),
		ActivePeers:       stats.ActivePeers,
		ConnectedSeeders:  stats.ConnectedSeeders,
		HalfOpenPeers:     stats.HalfOpenPeers,
		PiecesComplete:    stats.PiecesComplete,
		BytesReadData:     stats.BytesReadData.Int64(),
		BytesWrittenData:  stats.BytesWrittenData.Int64(),
		ChunksReadWasted:  stats.ChunksReadWasted.Int64(),
		PiecesDirtiedGood: stats.PiecesDirtiedGood.Int64(),
		PiecesDirtiedBad:  stats.PiecesDirtiedBad.Int64(),
	}
	if info := t.Info(); info != nil {
		fs.Name = info.BestName()
		fs.TotalSize = info.TotalLength()
	}
	return fs
}
