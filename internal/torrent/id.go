package torrent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// peerIDPrefix follows the Azureus-style client tag convention.
const peerIDPrefix = "-CG0100-"

// GetOrCreatePeerID returns the peer ID stored at path, creating and
// persisting a new one on first start so the engine keeps its identity in
// the swarm across restarts.
func GetOrCreatePeerID(path string) ([20]byte, error) {
	var out [20]byte

	idb, err := os.ReadFile(path)
	switch {
	case err == nil && len(idb) >= len(out):
		copy(out[:], idb)
		return out, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return out, fmt.Errorf("read peer id: %w", err)
	}

	copy(out[:], peerIDPrefix)
	if _, err := rand.Read(out[len(peerIDPrefix):]); err != nil {
		return [20]byte{}, fmt.Errorf("generate peer id: %w", err)
	}

	if err := os.WriteFile(path, out[:], 0644); err != nil {
		return [20]byte{}, fmt.Errorf("persist peer id: %w", err)
	}

	return out, nil
}
