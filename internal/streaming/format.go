package streaming

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
)

const (
	// Default header size for unknown formats
	defaultHeaderSize = 10 * 1024 * 1024 // 10MB

	fallbackContentType = "application/octet-stream"
)

// contentTypes maps playable container extensions to the MIME type sent to
// browsers. Membership in this table is what makes a file playable.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
}

// IsPlayable reports whether the file name has a playable video container
// extension. The check is case-insensitive and does no I/O.
func IsPlayable(filename string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ContentType returns the MIME type for a file name based on its extension.
func ContentType(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return fallbackContentType
}

// DetectFormat analyzes a file to determine its container format.
// It uses file extension hints when available, then falls back to probing.
// Always returns a valid FormatInfo (never nil), using defaults for unknown formats.
func DetectFormat(reader io.ReaderAt, fileSize int64, filename string) *FormatInfo {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".mp4", ".m4v", ".mov", ".3gp":
		if info, err := probeMP4(reader, fileSize); err == nil {
			return info
		}
	case ".mkv", ".webm":
		if info, err := probeMatroska(reader, fileSize); err == nil {
			return info
		}
	}

	// No extension match or probing failed: try both containers
	if info, err := probeMP4(reader, fileSize); err == nil {
		return info
	}
	if info, err := probeMatroska(reader, fileSize); err == nil {
		return info
	}

	headerSize := int64(defaultHeaderSize)
	if fileSize < headerSize {
		headerSize = fileSize
	}

	return &FormatInfo{
		Format:      FormatOther,
		HeaderSize:  headerSize,
		NeedsFooter: true,
	}
}

// SniffMismatch reports whether the leading bytes contradict the extension:
// a .mp4-family name without MP4 atoms or a .mkv/.webm name without the EBML
// signature. Other containers are never rejected.
func SniffMismatch(reader io.ReaderAt, fileSize int64, filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp4", ".m4v", ".mov":
		_, err := probeMP4(reader, fileSize)
		return errors.Is(err, ErrNotMP4)
	case ".mkv", ".webm":
		_, err := probeMatroska(reader, fileSize)
		return errors.Is(err, ErrNotMKV)
	default:
		return false
	}
}
