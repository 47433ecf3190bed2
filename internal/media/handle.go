package media

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies a playable unit. It is either a TorrentFile or a
// LibraryItem; other implementations are not possible outside this package.
type Handle interface {
	// String returns the URL form accepted by ParseHandle.
	String() string
	isHandle()
}

// TorrentFile is a file inside a torrent known to the torrent engine.
type TorrentFile struct {
	Hash  string // lowercase hex infohash
	Index int
}

func (TorrentFile) isHandle() {}

func (h TorrentFile) String() string {
	return fmt.Sprintf("torrent:%s:%d", h.Hash, h.Index)
}

// ItemKind is the kind of item a collection manager owns.
type ItemKind string

const (
	KindMovie   ItemKind = "movie"   // Radarr movie
	KindEpisode ItemKind = "episode" // Sonarr episode
)

// LibraryItem is a file already imported into a managed library.
type LibraryItem struct {
	Kind ItemKind
	ID   int64
}

func (LibraryItem) isHandle() {}

func (h LibraryItem) String() string {
	return fmt.Sprintf("library:%s-%d", h.Kind, h.ID)
}

const infoHashHexLen = 40

// ParseHandle parses the URL form of a handle:
//
//	torrent:<40 hex infohash>:<file index>
//	library:movie-<id>
//	library:episode-<id>
func ParseHandle(s string) (Handle, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, s)
	}

	switch scheme {
	case "torrent":
		hash, idx, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("%w: missing file index in %q", ErrInvalidHandle, s)
		}
		hash = strings.ToLower(hash)
		if len(hash) != infoHashHexLen {
			return nil, fmt.Errorf("%w: infohash must be %d hex characters", ErrInvalidHandle, infoHashHexLen)
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return nil, fmt.Errorf("%w: infohash is not hex", ErrInvalidHandle)
		}
		index, err := strconv.Atoi(idx)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("%w: bad file index %q", ErrInvalidHandle, idx)
		}
		return TorrentFile{Hash: hash, Index: index}, nil

	case "library":
		kind, id, ok := strings.Cut(rest, "-")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, s)
		}
		switch ItemKind(kind) {
		case KindMovie, KindEpisode:
		default:
			return nil, fmt.Errorf("%w: unknown item kind %q", ErrInvalidHandle, kind)
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: bad item id %q", ErrInvalidHandle, id)
		}
		return LibraryItem{Kind: ItemKind(kind), ID: n}, nil

	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidHandle, scheme)
	}
}
