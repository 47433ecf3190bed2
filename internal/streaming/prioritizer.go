package streaming

import (
	"io"
	"log/slog"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"
)

// PrioritizerHooks are optional callbacks used for metrics.
type PrioritizerHooks struct {
	OnBoost     func(forward bool) // called on each non-debounced region boost
	OnDowngrade func(count int)    // called with number of pieces downgraded
}

// Prioritizer manages piece priorities for one file of a torrent that is
// served while it downloads. Header and footer pieces are raised when the
// file is prepared; the region a client asks for is raised on each request.
type Prioritizer struct {
	mu          sync.Mutex
	t           *torrent.Torrent
	file        *torrent.File
	cfg         PriorityConfig
	formatInfo  *FormatInfo
	pieceLength int64

	// File's piece range (inclusive begin, exclusive end)
	beginPiece int
	endPiece   int

	// File's byte offset within torrent
	fileOffset int64
	fileLength int64

	initialized bool
	detecting   sync.Once

	// Debouncing: last boosted offset, -1 until the first request
	lastOffset int64

	// Previous priority ranges for downgrading stale pieces
	lastUrgentStart  int64
	lastUrgentEnd    int64
	lastReadaheadEnd int64

	hooks PrioritizerHooks

	log *slog.Logger
}

// NewPrioritizer creates a prioritizer for a file within a torrent.
// It returns nil while the torrent has no metadata.
func NewPrioritizer(t *torrent.Torrent, file *torrent.File, cfg PriorityConfig, hooks PrioritizerHooks) *Prioritizer {
	info := t.Info()
	if info == nil {
		return nil
	}
	if cfg.IsZero() {
		cfg = DefaultPriorityConfig()
	}

	return &Prioritizer{
		t:           t,
		file:        file,
		cfg:         cfg,
		pieceLength: info.PieceLength,
		beginPiece:  file.BeginPieceIndex(),
		endPiece:    file.EndPieceIndex(),
		fileOffset:  file.Offset(),
		fileLength:  file.Length(),
		lastOffset:  -1,
		hooks:       hooks,
		log:         slog.With("component", "prioritizer", "file", file.Path()),
	}
}

// InitialPrioritize sets header and footer pieces to HIGH priority and
// starts container detection in the background. Repeated calls are no-ops.
func (p *Prioritizer) InitialPrioritize() {
	if p == nil {
		return
	}

	p.mu.Lock()
	if !p.initialized {
		headerEnd := min(p.cfg.HeaderPriorityBytes, p.fileLength)
		p.setPieceRangePriority(0, headerEnd, types.PiecePriorityHigh)

		// Footer holds the moov atom of non-faststart MP4s and MKV cues
		if p.fileLength > p.cfg.FooterPriorityBytes {
			p.setPieceRangePriority(p.fileLength-p.cfg.FooterPriorityBytes, p.fileLength, types.PiecePriorityHigh)
		} else {
			p.setPieceRangePriority(0, p.fileLength, types.PiecePriorityHigh)
		}

		p.initialized = true
		p.log.Debug("initial prioritization complete",
			"header_bytes", headerEnd,
			"footer_bytes", min(p.cfg.FooterPriorityBytes, p.fileLength),
			"piece_range", []int{p.beginPiece, p.endPiece},
		)
	}
	p.mu.Unlock()

	p.detecting.Do(func() {
		go p.detectFormat()
	})
}

// detectFormat reads the container header through a torrent reader, which
// waits for the needed pieces, and applies the resulting hints.
func (p *Prioritizer) detectFormat() {
	r := p.file.NewReader()
	defer r.Close()
	r.SetResponsive()

	info := DetectFormat(&seekingReaderAt{reader: r, fileSize: p.fileLength}, p.fileLength, p.file.Path())
	p.SetFormatInfo(info)

	p.log.Debug("format detected",
		"format", info.Format.String(),
		"moov_offset", info.MoovOffset,
		"moov_size", info.MoovSize,
		"doc_type", info.DocType,
		"header_size", info.HeaderSize,
		"needs_footer", info.NeedsFooter,
	)
}

// SetFormatInfo updates prioritization based on detected format.
// For example, if MP4 moov atom is at end of file, those pieces get HIGH priority.
func (p *Prioritizer) SetFormatInfo(info *FormatInfo) {
	if p == nil || info == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.formatInfo = info

	if info.Format == FormatMP4 && info.MoovOffset > 0 && info.MoovSize > 0 {
		p.setPieceRangePriority(info.MoovOffset, info.MoovOffset+info.MoovSize, types.PiecePriorityHigh)
		p.log.Debug("prioritized moov atom",
			"offset", info.MoovOffset,
			"size", info.MoovSize,
		)
	}
}

// FormatInfo returns the detected container hints, nil until detection ends.
func (p *Prioritizer) FormatInfo() *FormatInfo {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.formatInfo
}

// Boost raises priorities around a requested file offset: pieces right at
// the offset get NOW, the window after them READAHEAD. Pieces of the
// previous window that fall outside the new one are downgraded. Requests
// that move less than one piece are debounced.
func (p *Prioritizer) Boost(offset int64) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	offset = max(0, min(offset, p.fileLength))

	if p.pieceLength > 0 && p.lastOffset >= 0 {
		diff := offset - p.lastOffset
		if diff < 0 {
			diff = -diff
		}
		if diff < p.pieceLength {
			return
		}
	}

	forward := offset >= p.lastOffset
	p.lastOffset = offset

	if p.hooks.OnBoost != nil {
		p.hooks.OnBoost(forward)
	}

	urgentEnd := min(offset+p.cfg.UrgentBufferBytes, p.fileLength)
	readaheadEnd := min(urgentEnd+p.cfg.ReadaheadBytes, p.fileLength)

	// Pieces behind the new offset were already consumed; a seek back
	// re-raises them.
	if p.lastReadaheadEnd > 0 {
		downgradeEnd := min(p.lastReadaheadEnd, offset)
		if p.lastUrgentStart < downgradeEnd {
			p.downgrade(p.lastUrgentStart, downgradeEnd)
		}
	}

	if p.lastReadaheadEnd > readaheadEnd {
		p.downgrade(readaheadEnd, p.lastReadaheadEnd)
	}

	p.setPieceRangePriority(offset, urgentEnd, types.PiecePriorityNow)
	if readaheadEnd > urgentEnd {
		p.setPieceRangePriority(urgentEnd, readaheadEnd, types.PiecePriorityReadahead)
	}

	p.lastUrgentStart = offset
	p.lastUrgentEnd = urgentEnd
	p.lastReadaheadEnd = readaheadEnd

	p.log.Debug("boosted region",
		"offset", offset,
		"urgent_end", urgentEnd,
		"readahead_end", readaheadEnd,
	)
}

// Complete reports whether every piece covering the inclusive file-relative
// byte range [start, end] has been downloaded and verified.
func (p *Prioritizer) Complete(start, end int64) bool {
	if p == nil || start > end || start < 0 || end >= p.fileLength {
		return false
	}

	first, last := p.pieceSpan(start, end+1)
	for i := first; i < last; i++ {
		if !p.t.PieceState(i).Complete {
			return false
		}
	}
	return true
}

func (p *Prioritizer) downgrade(startByte, endByte int64) {
	n := p.setPieceRangePriorityCount(startByte, endByte, types.PiecePriorityNormal)
	if n > 0 && p.hooks.OnDowngrade != nil {
		p.hooks.OnDowngrade(n)
	}
}

func (p *Prioritizer) setPieceRangePriority(startByte, endByte int64, priority types.PiecePriority) {
	p.setPieceRangePriorityCount(startByte, endByte, priority)
}

// setPieceRangePriorityCount sets priority for pieces covering a
// file-relative byte range and returns the number of pieces updated.
func (p *Prioritizer) setPieceRangePriorityCount(startByte, endByte int64, priority types.PiecePriority) int {
	if startByte >= endByte {
		return 0
	}

	first, last := p.pieceSpan(startByte, endByte)
	count := 0
	for i := first; i < last; i++ {
		p.t.Piece(i).SetPriority(priority)
		count++
	}
	return count
}

// pieceSpan converts a half-open file-relative byte range to a half-open
// piece index range clamped to the file's pieces.
func (p *Prioritizer) pieceSpan(startByte, endByte int64) (int, int) {
	first := p.byteToPiece(p.fileOffset + startByte)
	last := p.byteToPiece(p.fileOffset+endByte-1) + 1

	if first < p.beginPiece {
		first = p.beginPiece
	}
	if last > p.endPiece {
		last = p.endPiece
	}
	return first, last
}

// byteToPiece converts absolute byte offset (torrent-relative) to piece index.
func (p *Prioritizer) byteToPiece(offset int64) int {
	if p.pieceLength == 0 {
		return 0
	}
	return int(offset / p.pieceLength)
}

// PieceLength returns the torrent's piece length in bytes.
func (p *Prioritizer) PieceLength() int64 {
	if p == nil {
		return 0
	}
	return p.pieceLength
}

// FilePieceRange returns the begin and end piece indices for the file.
func (p *Prioritizer) FilePieceRange() (begin, end int) {
	if p == nil {
		return 0, 0
	}
	return p.beginPiece, p.endPiece
}

// seekingReaderAt adapts a torrent.Reader to io.ReaderAt for format detection.
type seekingReaderAt struct {
	reader   torrent.Reader
	fileSize int64
}

func (s *seekingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.fileSize {
		return 0, io.EOF
	}

	if _, err := s.reader.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	return s.reader.Read(p)
}
