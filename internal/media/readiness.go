package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shapedtime/cinegate/internal/streaming"
)

// DefaultMinReadyFraction is the download fraction after which a file is
// considered safe to start streaming.
const DefaultMinReadyFraction = 0.01

// Availability describes whether a handle can be streamed right now.
type Availability struct {
	Name     string
	Size     int64
	MimeType string
	Playable bool
	Progress float64
	Ready    bool
}

// GateOptions configures a Gate.
type GateOptions struct {
	MinReadyFraction float64
	// PrepareRate limits priority elevation calls per second; zero disables
	// throttling.
	PrepareRate  float64
	PrepareBurst int
}

// Gate decides whether files that are still downloading can be streamed
// and asks the torrent engine to fetch them sooner.
type Gate struct {
	resolver *Resolver
	minReady float64
	limiter  *rate.Limiter

	// Highest progress seen per handle. Engines may report a lower value
	// after a recheck; readiness must not flip back.
	mu        sync.Mutex
	highWater map[string]float64

	log *slog.Logger
}

// NewGate creates a readiness gate sharing the resolver's collaborators.
func NewGate(resolver *Resolver, opts GateOptions) *Gate {
	if opts.MinReadyFraction <= 0 {
		opts.MinReadyFraction = DefaultMinReadyFraction
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.PrepareRate > 0 {
		burst := max(opts.PrepareBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(opts.PrepareRate), burst)
	}

	return &Gate{
		resolver:  resolver,
		minReady:  opts.MinReadyFraction,
		limiter:   limiter,
		highWater: make(map[string]float64),
		log:       slog.With("component", "readiness"),
	}
}

// Availability reports playability and download progress of a handle.
// Torrent files are described from engine metadata, so a file the engine
// has not created on disk yet is reported as not ready instead of missing.
func (g *Gate) Availability(ctx context.Context, h Handle) (Availability, error) {
	switch h := h.(type) {
	case TorrentFile:
		entry, err := g.resolver.torrentEntry(ctx, h)
		if err != nil {
			return Availability{}, err
		}
		name := baseName(entry.Name)
		progress := g.observe(h, entry.Progress)
		return Availability{
			Name:     name,
			Size:     entry.Size,
			MimeType: streaming.ContentType(name),
			Playable: streaming.IsPlayable(name),
			Progress: progress,
			Ready:    progress >= g.minReady,
		}, nil

	case LibraryItem:
		p, err := g.resolver.itemPath(ctx, h)
		if err != nil {
			return Availability{}, err
		}
		local := g.resolver.MapPath(p)
		info, err := os.Stat(local)
		if err != nil || !info.Mode().IsRegular() {
			return Availability{}, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		name := filepath.Base(local)
		return Availability{
			Name:     name,
			Size:     info.Size(),
			MimeType: streaming.ContentType(name),
			Playable: streaming.IsPlayable(name),
			Progress: 1,
			Ready:    true,
		}, nil

	default:
		return Availability{}, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
}

// Prepare asks the torrent engine to download a file with maximum priority.
// It does not wait for data. Library items are already complete and only
// checked for existence.
func (g *Gate) Prepare(ctx context.Context, h Handle) error {
	switch h := h.(type) {
	case TorrentFile:
		if _, err := g.resolver.torrentEntry(ctx, h); err != nil {
			return err
		}

		wctx, cancel := context.WithTimeout(ctx, g.resolver.timeout)
		defer cancel()
		if err := g.limiter.Wait(wctx); err != nil {
			g.log.Debug("prepare throttled", "handle", h.String(), "error", err)
			return nil
		}

		err := g.resolver.call(ctx, "torrent", "set_file_priority", func(ctx context.Context) error {
			return g.resolver.engine.SetFilePriority(ctx, h.Hash, h.Index, PriorityMax)
		})
		if err != nil {
			g.log.Warn("priority elevation rejected", "handle", h.String(), "error", err)
			return nil
		}

		g.log.Info("file prepared for streaming", "handle", h.String())
		return nil

	case LibraryItem:
		_, err := g.resolver.itemPath(ctx, h)
		return err

	default:
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
}

// CheckRange fails with ErrRangeUnavailable when a torrent file is still
// downloading and the range has pieces the engine does not have yet. Engines
// that support it are asked to fetch the missing region first.
func (g *Gate) CheckRange(ctx context.Context, h Handle, file streaming.ResolvedFile, rng streaming.ByteRange) error {
	t, ok := h.(TorrentFile)
	if !ok || file.Progress >= 1 || rng.Length() == 0 || g.resolver.engine == nil {
		return nil
	}

	if bp, ok := g.resolver.engine.(RegionPrioritizer); ok {
		err := g.resolver.call(ctx, "torrent", "boost_region", func(ctx context.Context) error {
			return bp.BoostRegion(ctx, t.Hash, t.Index, rng.Start)
		})
		if err != nil {
			g.log.Debug("region boost failed", "handle", t.String(), "error", err)
		}
	}

	var have bool
	err := g.resolver.call(ctx, "torrent", "have_range", func(ctx context.Context) error {
		var err error
		have, err = g.resolver.engine.HaveRange(ctx, t.Hash, t.Index, rng.Start, rng.End)
		return err
	})
	if err != nil {
		return err
	}
	if !have {
		g.log.Debug("range beyond download frontier",
			"handle", t.String(),
			"start", rng.Start,
			"end", rng.End,
			"progress", file.Progress,
		)
		return fmt.Errorf("%w: bytes %d-%d of %s", ErrRangeUnavailable, rng.Start, rng.End, t)
	}
	return nil
}

// observe records progress for a handle and returns the highest value seen.
// Complete files are forgotten so the map only holds downloads in flight.
func (g *Gate) observe(h Handle, progress float64) float64 {
	key := h.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	if progress >= 1 {
		delete(g.highWater, key)
		return progress
	}
	if hw, ok := g.highWater[key]; ok && hw > progress {
		return hw
	}
	g.highWater[key] = progress
	return progress
}

// baseName returns the last element of a slash separated torrent path.
func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}
