package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/shapedtime/cinegate/internal/media"
)

// qBittorrent file priorities
const (
	prioSkip    = 0
	prioNormal  = 1
	prioHigh    = 6
	prioMaximal = 7
)

// pieceDownloaded is the pieceStates value of a verified piece.
const pieceDownloaded = 2

// TorrentInfo is an entry of /api/v2/torrents/info.
type TorrentInfo struct {
	Hash              string  `json:"hash"`
	Name              string  `json:"name"`
	SavePath          string  `json:"save_path"`
	Progress          float64 `json:"progress"`
	Size              int64   `json:"size"`
	State             string  `json:"state"`
	SequentialDL      bool    `json:"seq_dl"`
	FirstLastPiecePri bool    `json:"f_l_piece_prio"`
}

// File is an entry of /api/v2/torrents/files.
type File struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Progress   float64 `json:"progress"`
	Priority   int     `json:"priority"`
	PieceRange []int   `json:"piece_range"`
}

type properties struct {
	PieceSize int64  `json:"piece_size"`
	SavePath  string `json:"save_path"`
}

// Torrent returns the summary of one torrent.
func (c *Client) Torrent(ctx context.Context, hash string) (TorrentInfo, error) {
	var list []TorrentInfo
	if err := c.getJSON(ctx, "/api/v2/torrents/info", url.Values{"hashes": {hash}}, &list); err != nil {
		return TorrentInfo{}, err
	}
	if len(list) == 0 {
		return TorrentInfo{}, ErrNotFound
	}
	return list[0], nil
}

// Files returns the files of a torrent in index order.
func (c *Client) Files(ctx context.Context, hash string) ([]File, error) {
	var files []File
	if err := c.getJSON(ctx, "/api/v2/torrents/files", url.Values{"hash": {hash}}, &files); err != nil {
		return nil, err
	}
	// Versions before 4.4 omit the index field
	for i := range files {
		if files[i].Index == 0 && i > 0 {
			files[i].Index = i
		}
	}
	return files, nil
}

// ListFiles implements media.TorrentEngine.
func (c *Client) ListFiles(ctx context.Context, hash string) ([]media.EngineFile, error) {
	files, err := c.Files(ctx, hash)
	if err != nil {
		return nil, engineErr(err)
	}
	out := make([]media.EngineFile, 0, len(files))
	for _, f := range files {
		out = append(out, media.EngineFile{
			Index:    f.Index,
			Name:     f.Name,
			Size:     f.Size,
			Progress: f.Progress,
		})
	}
	return out, nil
}

// SavePath implements media.TorrentEngine.
func (c *Client) SavePath(ctx context.Context, hash string) (string, error) {
	t, err := c.Torrent(ctx, hash)
	if err != nil {
		return "", engineErr(err)
	}
	return t.SavePath, nil
}

// SetFilePriority implements media.TorrentEngine. Maximum priority also
// turns on sequential download and first/last piece priority, checking the
// current state first because the API only offers toggles. The check and
// the toggles run under a per-torrent lock so concurrent callers cannot
// both see a flag off and flip it twice.
func (c *Client) SetFilePriority(ctx context.Context, hash string, index int, priority media.Priority) error {
	form := url.Values{}
	form.Set("hash", hash)
	form.Set("id", strconv.Itoa(index))
	form.Set("priority", strconv.Itoa(qbtPriority(priority)))
	if err := c.post(ctx, "/api/v2/torrents/filePrio", form); err != nil {
		return engineErr(fmt.Errorf("set file priority: %w", err))
	}

	if priority != media.PriorityMax {
		return nil
	}

	unlock := c.lockHash(hash)
	defer unlock()

	t, err := c.Torrent(ctx, hash)
	if err != nil {
		return engineErr(err)
	}
	hashes := url.Values{"hashes": {hash}}
	if !t.SequentialDL {
		if err := c.post(ctx, "/api/v2/torrents/toggleSequentialDownload", hashes); err != nil {
			return engineErr(fmt.Errorf("enable sequential download: %w", err))
		}
	}
	if !t.FirstLastPiecePri {
		if err := c.post(ctx, "/api/v2/torrents/toggleFirstLastPiecePrio", hashes); err != nil {
			return engineErr(fmt.Errorf("enable first/last piece priority: %w", err))
		}
	}

	c.log.Debug("file priority raised", "hash", hash, "index", index, "priority", priority.String())
	return nil
}

// HaveRange implements media.TorrentEngine by mapping the byte range onto
// torrent pieces and checking their download state.
func (c *Client) HaveRange(ctx context.Context, hash string, index int, start, end int64) (bool, error) {
	files, err := c.Files(ctx, hash)
	if err != nil {
		return false, engineErr(err)
	}

	var (
		offset int64
		file   *File
	)
	for i := range files {
		if files[i].Index == index {
			file = &files[i]
			if start < 0 || end < start || end >= file.Size {
				return false, nil
			}
			break
		}
		offset += files[i].Size
	}
	if file == nil {
		return false, fmt.Errorf("file %d: %w", index, media.ErrNotFound)
	}

	var props properties
	if err := c.getJSON(ctx, "/api/v2/torrents/properties", url.Values{"hash": {hash}}, &props); err != nil {
		return false, engineErr(err)
	}
	if props.PieceSize <= 0 {
		return false, fmt.Errorf("torrent %s reports no piece size", hash)
	}

	var states []int
	if err := c.getJSON(ctx, "/api/v2/torrents/pieceStates", url.Values{"hash": {hash}}, &states); err != nil {
		return false, engineErr(err)
	}

	offset = fileOffset(offset, file.PieceRange, props.PieceSize)
	first := int((offset + start) / props.PieceSize)
	last := int((offset + end) / props.PieceSize)
	if last >= len(states) {
		return false, nil
	}
	for i := first; i <= last; i++ {
		if states[i] != pieceDownloaded {
			return false, nil
		}
	}
	return true, nil
}

// fileOffset returns the absolute offset of a file in the torrent. The
// summed size of earlier files is wrong when the torrent has BEP 47 pad
// files, which qBittorrent hides from the file list. Pad files align the
// next file to a piece boundary, so when the summed offset falls outside
// the file's first piece the piece boundary is used instead.
func fileOffset(summed int64, pieceRange []int, pieceSize int64) int64 {
	if len(pieceRange) == 0 {
		return summed
	}
	firstPiece := int64(pieceRange[0]) * pieceSize
	if summed < firstPiece || summed >= firstPiece+pieceSize {
		return firstPiece
	}
	return summed
}

func qbtPriority(p media.Priority) int {
	switch p {
	case media.PriorityMax:
		return prioMaximal
	case media.PriorityHigh:
		return prioHigh
	default:
		return prioNormal
	}
}

// engineErr maps client errors onto the media error contract.
func engineErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", media.ErrNotFound, err)
	}
	return err
}

var _ media.TorrentEngine = (*Client)(nil)
