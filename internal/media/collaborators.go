package media

import (
	"context"
	"time"
)

// Priority is a download priority for a single file of a torrent.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityMax
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMax:
		return "max"
	default:
		return "normal"
	}
}

// EngineFile is one file of a torrent as reported by the torrent engine.
type EngineFile struct {
	Index    int
	Name     string // path relative to the torrent save path, slash separated
	Size     int64
	Progress float64 // 0.0 to 1.0
}

// TorrentEngine is the subset of a torrent client the gateway needs.
// Implementations wrap ErrNotFound when the torrent is unknown; any other
// error is treated as the engine being unavailable.
type TorrentEngine interface {
	ListFiles(ctx context.Context, hash string) ([]EngineFile, error)
	SavePath(ctx context.Context, hash string) (string, error)
	SetFilePriority(ctx context.Context, hash string, index int, priority Priority) error
	// HaveRange reports whether the inclusive byte range [start, end] of the
	// file is fully downloaded.
	HaveRange(ctx context.Context, hash string, index int, start, end int64) (bool, error)
}

// RegionPrioritizer is implemented by engines that can raise the priority of
// the pieces behind a byte offset on demand.
type RegionPrioritizer interface {
	BoostRegion(ctx context.Context, hash string, index int, offset int64) error
}

// LibraryManager locates files imported by a collection manager.
// An empty path with a nil error means the item has no file yet.
type LibraryManager interface {
	ItemFilePath(ctx context.Context, item LibraryItem) (string, error)
}

// UpstreamObserver is told about every collaborator call, for metrics.
type UpstreamObserver func(collaborator, op string, took time.Duration, err error)
