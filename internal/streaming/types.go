package streaming

// Format represents detected video container format
type Format int

const (
	FormatUnknown Format = iota
	FormatMP4
	FormatMKV
	FormatOther
)

// String returns a human-readable format name
func (f Format) String() string {
	switch f {
	case FormatMP4:
		return "MP4"
	case FormatMKV:
		return "MKV"
	case FormatOther:
		return "Other"
	default:
		return "Unknown"
	}
}

// FormatInfo contains format-specific priority hints
type FormatInfo struct {
	Format      Format
	MoovOffset  int64  // MP4: offset of moov atom (0 if at start, >0 if at end)
	MoovSize    int64  // MP4: size of moov atom
	DocType     string // Matroska: "matroska" or "webm" when the EBML header names it
	HeaderSize  int64  // Recommended header bytes to prioritize
	NeedsFooter bool   // Whether footer contains important metadata
}

// PriorityConfig holds piece prioritization settings for files that are
// still downloading.
type PriorityConfig struct {
	HeaderPriorityBytes int64
	FooterPriorityBytes int64
	ReadaheadBytes      int64
	UrgentBufferBytes   int64
}

// DefaultPriorityConfig returns sensible defaults for streaming optimization
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		HeaderPriorityBytes: 10 * 1024 * 1024, // 10MB
		FooterPriorityBytes: 5 * 1024 * 1024,  // 5MB
		ReadaheadBytes:      32 * 1024 * 1024, // 32MB
		UrgentBufferBytes:   8 * 1024 * 1024,  // 8MB
	}
}

// IsZero returns true if config has no values set
func (c PriorityConfig) IsZero() bool {
	return c.HeaderPriorityBytes == 0 &&
		c.FooterPriorityBytes == 0 &&
		c.ReadaheadBytes == 0 &&
		c.UrgentBufferBytes == 0
}

// ResolvedFile is a media file located on the local filesystem.
// Size is the size observed on the current request; it must not be reused
// across requests because a downloading file keeps growing.
type ResolvedFile struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
	Playable    bool
	// Progress is the download fraction reported by the owning collaborator,
	// 1.0 for files that are fully present.
	Progress float64
}

// ByteRange is an inclusive byte interval of a file.
type ByteRange struct {
	Start   int64
	End     int64
	Partial bool
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Outcome is the terminal result of a stream attempt.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeClientDisconnected
	OutcomeIOError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeClientDisconnected:
		return "client_disconnected"
	case OutcomeIOError:
		return "io_error"
	default:
		return "unknown"
	}
}
