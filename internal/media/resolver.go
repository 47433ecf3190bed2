package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shapedtime/cinegate/internal/streaming"
)

// DefaultUpstreamTimeout bounds every collaborator call.
const DefaultUpstreamTimeout = 10 * time.Second

// incompleteSuffix is appended by qBittorrent to files still downloading
// when "append .!qB extension" is enabled.
const incompleteSuffix = ".!qB"

// PathMapping rewrites a path prefix reported by a collaborator into the
// prefix under which the gateway sees the same directory.
type PathMapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Mappings []PathMapping
	Timeout  time.Duration
	// Sniff rejects complete files whose leading bytes contradict their
	// container extension.
	Sniff    bool
	Observer UpstreamObserver
}

// Resolver turns handles into files on the local filesystem.
type Resolver struct {
	engine   TorrentEngine
	library  LibraryManager
	mappings []PathMapping
	timeout  time.Duration
	sniff    bool
	observe  UpstreamObserver
	log      *slog.Logger
}

// NewResolver creates a resolver. Either collaborator may be nil, in which
// case handles that need it resolve to ErrUpstreamUnavailable.
func NewResolver(engine TorrentEngine, library LibraryManager, opts ResolverOptions) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUpstreamTimeout
	}

	mappings := make([]PathMapping, 0, len(opts.Mappings))
	for _, m := range opts.Mappings {
		if m.From == "" {
			continue
		}
		mappings = append(mappings, PathMapping{
			From: strings.TrimRight(m.From, "/"),
			To:   strings.TrimRight(m.To, "/"),
		})
	}
	// Longest prefix wins
	sort.SliceStable(mappings, func(i, j int) bool {
		return len(mappings[i].From) > len(mappings[j].From)
	})

	return &Resolver{
		engine:   engine,
		library:  library,
		mappings: mappings,
		timeout:  opts.Timeout,
		sniff:    opts.Sniff,
		observe:  opts.Observer,
		log:      slog.With("component", "resolver"),
	}
}

// Resolve locates the file behind a handle and stats it. The returned size
// is the size on disk right now.
func (r *Resolver) Resolve(ctx context.Context, h Handle) (streaming.ResolvedFile, error) {
	switch h := h.(type) {
	case TorrentFile:
		return r.resolveTorrentFile(ctx, h)
	case LibraryItem:
		return r.resolveLibraryItem(ctx, h)
	default:
		return streaming.ResolvedFile{}, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
}

func (r *Resolver) resolveTorrentFile(ctx context.Context, h TorrentFile) (streaming.ResolvedFile, error) {
	entry, err := r.torrentEntry(ctx, h)
	if err != nil {
		return streaming.ResolvedFile{}, err
	}

	var savePath string
	err = r.call(ctx, "torrent", "save_path", func(ctx context.Context) error {
		var err error
		savePath, err = r.engine.SavePath(ctx, h.Hash)
		return err
	})
	if err != nil {
		return streaming.ResolvedFile{}, err
	}

	rel, ok := cleanRelative(entry.Name)
	if !ok {
		r.log.Warn("torrent file escapes save path", "handle", h.String(), "name", entry.Name)
		return streaming.ResolvedFile{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}

	file := streaming.ResolvedFile{
		Path:     r.MapPath(filepath.Join(savePath, rel)),
		Name:     baseName(entry.Name),
		Progress: entry.Progress,
	}
	return r.finish(h, file)
}

func (r *Resolver) resolveLibraryItem(ctx context.Context, h LibraryItem) (streaming.ResolvedFile, error) {
	p, err := r.itemPath(ctx, h)
	if err != nil {
		return streaming.ResolvedFile{}, err
	}

	file := streaming.ResolvedFile{
		Path:     r.MapPath(p),
		Name:     filepath.Base(p),
		Progress: 1,
	}
	return r.finish(h, file)
}

// finish stats and opens the file, then classifies it.
func (r *Resolver) finish(h Handle, file streaming.ResolvedFile) (streaming.ResolvedFile, error) {
	info, err := os.Stat(file.Path)
	if errors.Is(err, fs.ErrNotExist) && file.Progress < 1 {
		if alt, altErr := os.Stat(file.Path + incompleteSuffix); altErr == nil {
			file.Path += incompleteSuffix
			info, err = alt, nil
		}
	}
	if err != nil {
		r.log.Debug("file not on disk", "handle", h.String(), "path", file.Path, "error", err)
		return streaming.ResolvedFile{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if !info.Mode().IsRegular() {
		return streaming.ResolvedFile{}, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, h)
	}

	f, err := os.Open(file.Path)
	if err != nil {
		r.log.Warn("file not readable", "handle", h.String(), "path", file.Path, "error", err)
		return streaming.ResolvedFile{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	defer f.Close()

	file.Size = info.Size()
	file.ContentType = streaming.ContentType(file.Name)
	file.Playable = streaming.IsPlayable(file.Name)

	// Partially downloaded files are sparse and start with zeros until the
	// first pieces arrive, so only complete files are sniffed.
	if r.sniff && file.Playable && file.Progress >= 1 && streaming.SniffMismatch(f, file.Size, file.Name) {
		r.log.Info("container does not match extension", "handle", h.String(), "name", file.Name)
		file.Playable = false
	}

	return file, nil
}

// torrentEntry looks up the engine's metadata for a torrent file.
func (r *Resolver) torrentEntry(ctx context.Context, h TorrentFile) (EngineFile, error) {
	if r.engine == nil {
		return EngineFile{}, fmt.Errorf("%w: no torrent engine configured", ErrUpstreamUnavailable)
	}

	var files []EngineFile
	err := r.call(ctx, "torrent", "list_files", func(ctx context.Context) error {
		var err error
		files, err = r.engine.ListFiles(ctx, h.Hash)
		return err
	})
	if err != nil {
		return EngineFile{}, err
	}

	for _, f := range files {
		if f.Index == h.Index {
			return f, nil
		}
	}
	return EngineFile{}, fmt.Errorf("%w: %s", ErrNotFound, h)
}

// itemPath asks the collection manager for an item's file path.
func (r *Resolver) itemPath(ctx context.Context, h LibraryItem) (string, error) {
	if r.library == nil {
		return "", fmt.Errorf("%w: no library manager configured", ErrUpstreamUnavailable)
	}

	var p string
	err := r.call(ctx, "library", "item_file_path", func(ctx context.Context) error {
		var err error
		p, err = r.library.ItemFilePath(ctx, h)
		return err
	})
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: %s has no file", ErrNotFound, h)
	}
	return p, nil
}

// call runs one collaborator operation under the upstream timeout and
// classifies its error.
func (r *Resolver) call(ctx context.Context, collaborator, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if r.observe != nil {
		r.observe(collaborator, op, time.Since(start), err)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	default:
		r.log.Warn("upstream call failed", "collaborator", collaborator, "op", op, "error", err)
		return fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnavailable, collaborator, op, err)
	}
}

// MapPath rewrites a collaborator path using the longest matching mapping.
func (r *Resolver) MapPath(p string) string {
	for _, m := range r.mappings {
		if p == m.From {
			return m.To
		}
		if strings.HasPrefix(p, m.From+"/") {
			return m.To + p[len(m.From):]
		}
	}
	return p
}

// cleanRelative normalizes a torrent-relative name and rejects names that
// are absolute or climb out of the save path.
func cleanRelative(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	if rel == "" || path.Clean(name) != rel {
		return "", false
	}
	return filepath.FromSlash(rel), true
}
