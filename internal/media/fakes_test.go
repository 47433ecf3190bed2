package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type prioCall struct {
	Hash     string
	Index    int
	Priority Priority
}

type fakeEngine struct {
	mu        sync.Mutex
	files     map[string][]EngineFile
	savePaths map[string]string
	have      bool
	listErr   error
	prioErr   error
	block     bool // block until the context ends
	prioCalls []prioCall
	haveCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		files:     make(map[string][]EngineFile),
		savePaths: make(map[string]string),
	}
}

func (e *fakeEngine) add(hash, savePath string, files ...EngineFile) {
	e.files[hash] = files
	e.savePaths[hash] = savePath
}

func (e *fakeEngine) ListFiles(ctx context.Context, hash string) ([]EngineFile, error) {
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.listErr != nil {
		return nil, e.listErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.files[hash]
	if !ok {
		return nil, fmt.Errorf("torrent %s: %w", hash, ErrNotFound)
	}
	return append([]EngineFile(nil), files...), nil
}

func (e *fakeEngine) SavePath(_ context.Context, hash string) (string, error) {
	p, ok := e.savePaths[hash]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (e *fakeEngine) SetFilePriority(_ context.Context, hash string, index int, priority Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prioCalls = append(e.prioCalls, prioCall{hash, index, priority})
	return e.prioErr
}

func (e *fakeEngine) HaveRange(_ context.Context, _ string, _ int, _, _ int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haveCalls++
	return e.have, nil
}

func (e *fakeEngine) setProgress(hash string, index int, progress float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.files[hash] {
		if e.files[hash][i].Index == index {
			e.files[hash][i].Progress = progress
		}
	}
}

// boostingEngine also accepts region boosts.
type boostingEngine struct {
	*fakeEngine
	boosts []int64
}

func (e *boostingEngine) BoostRegion(_ context.Context, _ string, _ int, offset int64) error {
	e.boosts = append(e.boosts, offset)
	return nil
}

type fakeLibrary struct {
	paths map[LibraryItem]string
	err   error
}

func (l *fakeLibrary) ItemFilePath(_ context.Context, item LibraryItem) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return l.paths[item], nil
}

var errConnRefused = errors.New("connection refused")
