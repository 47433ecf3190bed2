package torrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/streaming"
)

// Common errors
var (
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrMetadataTimeout = errors.New("timeout waiting for torrent metadata")
	ErrInvalidMagnet   = errors.New("invalid magnet URI")

	errMetadataPending = errors.New("torrent metadata not available yet")
)

const metainfoExt = ".torrent"

// TorrentStatus contains current status of a torrent
type TorrentStatus struct {
	InfoHash   string
	Name       string
	TotalSize  int64
	Downloaded int64
	Progress   float64 // 0.0 to 1.0
	Seeders    int
	Leechers   int
	Files      int
	AddedAt    time.Time
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// DataDir is where file storage writes torrent content.
	DataDir string
	// MetadataDir keeps one .torrent file per added torrent for Restore.
	MetadataDir string
	AddTimeout  time.Duration
	Priority    streaming.PriorityConfig
	Hooks       streaming.PrioritizerHooks
}

// Engine implements media.TorrentEngine and media.RegionPrioritizer on an
// anacrolix client.
type Engine struct {
	client *torrent.Client
	opts   EngineOptions

	mu       sync.RWMutex
	torrents map[string]*entry // by lowercase hex info hash

	log *slog.Logger
}

type entry struct {
	t       *torrent.Torrent
	addedAt time.Time

	mu           sync.Mutex
	prioritizers map[int]*streaming.Prioritizer
}

var (
	_ media.TorrentEngine     = (*Engine)(nil)
	_ media.RegionPrioritizer = (*Engine)(nil)
)

// NewEngine wraps a client. The engine owns the client from here on and
// closes it in Close.
func NewEngine(client *torrent.Client, opts EngineOptions) *Engine {
	if opts.AddTimeout <= 0 {
		opts.AddTimeout = time.Minute
	}
	return &Engine{
		client:   client,
		opts:     opts,
		torrents: make(map[string]*entry),
		log:      slog.With("component", "torrent-engine"),
	}
}

// Restore re-adds the torrents saved by earlier runs. Unreadable files are
// logged and skipped.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	dir := e.metainfoDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	restored := 0
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != metainfoExt {
			continue
		}
		path := filepath.Join(dir, de.Name())
		mi, err := metainfo.LoadFromFile(path)
		if err != nil {
			e.log.Warn("skipping unreadable metainfo", "path", path, "error", err)
			continue
		}
		if _, err := e.AddMetaInfo(ctx, mi); err != nil {
			e.log.Warn("failed to restore torrent", "path", path, "error", err)
			continue
		}
		restored++
	}

	e.log.Info("restored torrents", "count", restored)
	return restored, nil
}

// AddMagnet adds a torrent by magnet URI and waits for its metadata.
func (e *Engine) AddMagnet(ctx context.Context, magnetURI string) (TorrentStatus, error) {
	spec, err := metainfo.ParseMagnetUri(magnetURI)
	if err != nil {
		e.log.Warn("invalid magnet URI", "error", err)
		return TorrentStatus{}, fmt.Errorf("%w: %w", ErrInvalidMagnet, err)
	}

	hash := spec.InfoHash.HexString()
	if st, ok := e.existing(hash); ok {
		return st, nil
	}

	t, err := e.client.AddMagnet(magnetURI)
	if err != nil {
		return TorrentStatus{}, fmt.Errorf("add magnet %s: %w", hash, err)
	}
	return e.register(ctx, hash, t)
}

// AddMetaInfo adds a torrent from a parsed .torrent file.
func (e *Engine) AddMetaInfo(ctx context.Context, mi *metainfo.MetaInfo) (TorrentStatus, error) {
	hash := mi.HashInfoBytes().HexString()
	if st, ok := e.existing(hash); ok {
		return st, nil
	}

	t, err := e.client.AddTorrent(mi)
	if err != nil {
		return TorrentStatus{}, fmt.Errorf("add torrent %s: %w", hash, err)
	}
	return e.register(ctx, hash, t)
}

func (e *Engine) existing(hash string) (TorrentStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.torrents[hash]
	if !ok {
		return TorrentStatus{}, false
	}
	e.log.Debug("torrent already loaded", "hash", hash)
	return en.status(), true
}

// register waits for metadata, starts the download and records the torrent.
func (e *Engine) register(ctx context.Context, hash string, t *torrent.Torrent) (TorrentStatus, error) {
	timer := time.NewTimer(e.opts.AddTimeout)
	defer timer.Stop()

	e.log.Info("waiting for torrent metadata", "hash", hash)

	select {
	case <-t.GotInfo():
	case <-timer.C:
		e.log.Warn("timeout waiting for torrent metadata", "hash", hash)
		t.Drop()
		return TorrentStatus{}, ErrMetadataTimeout
	case <-ctx.Done():
		t.Drop()
		return TorrentStatus{}, ctx.Err()
	}

	t.DownloadAll()

	if err := e.saveMetainfo(hash, t); err != nil {
		e.log.Warn("failed to persist metainfo", "hash", hash, "error", err)
	}

	en := &entry{
		t:            t,
		addedAt:      time.Now(),
		prioritizers: make(map[int]*streaming.Prioritizer),
	}

	e.mu.Lock()
	if prev, ok := e.torrents[hash]; ok {
		// Raced with a concurrent add of the same torrent
		en = prev
	} else {
		e.torrents[hash] = en
	}
	e.mu.Unlock()

	e.log.Info("torrent added",
		"hash", hash,
		"name", t.Name(),
		"files", len(t.Files()),
	)

	return en.status(), nil
}

// RemoveTorrent drops a torrent. With deleteData the downloaded content is
// removed from the data directory as well.
func (e *Engine) RemoveTorrent(hash string, deleteData bool) error {
	hash = strings.ToLower(hash)

	e.mu.Lock()
	en, ok := e.torrents[hash]
	if ok {
		delete(e.torrents, hash)
	}
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	name := ""
	if info := en.t.Info(); info != nil {
		name = info.BestName()
	}
	en.t.Drop()

	if err := os.Remove(e.metainfoPath(hash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Warn("failed to remove metainfo", "hash", hash, "error", err)
	}

	if deleteData && name != "" {
		if !filepath.IsLocal(name) {
			return fmt.Errorf("refusing to delete data outside %s for %q", e.opts.DataDir, name)
		}
		if err := os.RemoveAll(filepath.Join(e.opts.DataDir, name)); err != nil {
			return fmt.Errorf("delete data of %s: %w", hash, err)
		}
	}

	e.log.Info("removed torrent", "hash", hash, "delete_data", deleteData)
	return nil
}

// Status returns the status of one torrent.
func (e *Engine) Status(hash string) (TorrentStatus, error) {
	en, err := e.lookup(hash)
	if err != nil {
		return TorrentStatus{}, err
	}
	return en.status(), nil
}

// ListTorrents returns status of all loaded torrents.
func (e *Engine) ListTorrents() []TorrentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]TorrentStatus, 0, len(e.torrents))
	for _, en := range e.torrents {
		result = append(result, en.status())
	}
	return result
}

// Close drops all torrents and shuts the client down.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.torrents = make(map[string]*entry)
	e.mu.Unlock()

	errs := e.client.Close()
	e.log.Info("torrent engine closed")
	return errors.Join(errs...)
}

// ListFiles implements media.TorrentEngine.
func (e *Engine) ListFiles(_ context.Context, hash string) ([]media.EngineFile, error) {
	en, err := e.lookup(hash)
	if err != nil {
		return nil, err
	}
	if en.t.Info() == nil {
		return nil, errMetadataPending
	}

	files := en.t.Files()
	out := make([]media.EngineFile, 0, len(files))
	for i, f := range files {
		progress := 1.0
		if f.Length() > 0 {
			progress = float64(f.BytesCompleted()) / float64(f.Length())
		}
		out = append(out, media.EngineFile{
			Index:    i,
			Name:     f.Path(),
			Size:     f.Length(),
			Progress: progress,
		})
	}
	return out, nil
}

// SavePath implements media.TorrentEngine. File storage places every
// torrent under the data directory.
func (e *Engine) SavePath(_ context.Context, hash string) (string, error) {
	if _, err := e.lookup(hash); err != nil {
		return "", err
	}
	return e.opts.DataDir, nil
}

// SetFilePriority implements media.TorrentEngine. Maximum priority also
// raises the container header and footer and makes the start of the file
// urgent, so playback can begin as soon as possible.
func (e *Engine) SetFilePriority(_ context.Context, hash string, index int, priority media.Priority) error {
	en, f, err := e.file(hash, index)
	if err != nil {
		return err
	}

	switch priority {
	case media.PriorityMax:
		f.SetPriority(types.PiecePriorityHigh)
		p, err := en.prioritizer(index, f, e.opts)
		if err != nil {
			return err
		}
		p.InitialPrioritize()
		p.Boost(0)
	case media.PriorityHigh:
		f.SetPriority(types.PiecePriorityHigh)
	default:
		f.SetPriority(types.PiecePriorityNormal)
	}

	e.log.Debug("file priority set", "hash", hash, "index", index, "priority", priority.String())
	return nil
}

// HaveRange implements media.TorrentEngine.
func (e *Engine) HaveRange(_ context.Context, hash string, index int, start, end int64) (bool, error) {
	en, f, err := e.file(hash, index)
	if err != nil {
		return false, err
	}
	p, err := en.prioritizer(index, f, e.opts)
	if err != nil {
		return false, err
	}
	return p.Complete(start, end), nil
}

// BoostRegion implements media.RegionPrioritizer.
func (e *Engine) BoostRegion(_ context.Context, hash string, index int, offset int64) error {
	en, f, err := e.file(hash, index)
	if err != nil {
		return err
	}
	p, err := en.prioritizer(index, f, e.opts)
	if err != nil {
		return err
	}
	p.Boost(offset)
	return nil
}

// CollectStats returns complete statistics for all loaded torrents.
func (e *Engine) CollectStats() []FullStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]FullStats, 0, len(e.torrents))
	for _, en := range e.torrents {
		result = append(result, fullStats(en.t))
	}
	return result
}

func (e *Engine) lookup(hash string) (*entry, error) {
	hash = strings.ToLower(hash)

	e.mu.RLock()
	en, ok := e.torrents[hash]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w %s", media.ErrNotFound, ErrTorrentNotFound, hash)
	}
	return en, nil
}

func (e *Engine) file(hash string, index int) (*entry, *torrent.File, error) {
	en, err := e.lookup(hash)
	if err != nil {
		return nil, nil, err
	}
	if en.t.Info() == nil {
		return nil, nil, errMetadataPending
	}
	files := en.t.Files()
	if index < 0 || index >= len(files) {
		return nil, nil, fmt.Errorf("%w: file %d of %s", media.ErrNotFound, index, hash)
	}
	return en, files[index], nil
}

func (e *Engine) metainfoDir() string {
	return filepath.Join(e.opts.MetadataDir, "metainfo")
}

func (e *Engine) metainfoPath(hash string) string {
	return filepath.Join(e.metainfoDir(), hash+metainfoExt)
}

func (e *Engine) saveMetainfo(hash string, t *torrent.Torrent) error {
	if e.opts.MetadataDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.metainfoDir(), 0755); err != nil {
		return err
	}

	mi := t.Metainfo()
	tmp := e.metainfoPath(hash) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, e.metainfoPath(hash))
}

// prioritizer returns the file's prioritizer, creating it on first use.
func (en *entry) prioritizer(index int, f *torrent.File, opts EngineOptions) (*streaming.Prioritizer, error) {
	en.mu.Lock()
	defer en.mu.Unlock()

	if p, ok := en.prioritizers[index]; ok {
		return p, nil
	}
	p := streaming.NewPrioritizer(en.t, f, opts.Priority, opts.Hooks)
	if p == nil {
		return nil, errMetadataPending
	}
	en.prioritizers[index] = p
	return p, nil
}

// status converts the torrent to TorrentStatus.
func (en *entry) status() TorrentStatus {
	t := en.t
	stats := t.Stats()

	st := TorrentStatus{
		InfoHash:   t.InfoHash().HexString(),
		Downloaded: t.BytesCompleted(),
		Seeders:    stats.ConnectedSeeders,
		Leechers:   stats.ActivePeers - stats.ConnectedSeeders,
		AddedAt:    en.addedAt,
	}
	if info := t.Info(); info != nil {
		st.Name = info.BestName()
		st.TotalSize = info.TotalLength()
		st.Files = len(t.Files())
	}
	if st.TotalSize > 0 {
		st.Progress = float64(st.Downloaded) / float64(st.TotalSize)
	}
	return st
}
