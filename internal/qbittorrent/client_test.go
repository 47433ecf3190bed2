package qbittorrent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/settings"
)

var hash = strings.Repeat("ab", 20)

type staticSettings struct {
	in  settings.Integration
	err error
}

func (s *staticSettings) Get(context.Context, string) (settings.Integration, error) {
	return s.in, s.err
}

// fakeQBT emulates the parts of the qBittorrent Web API the client uses.
type fakeQBT struct {
	mu        sync.Mutex
	password  string
	sid       string
	logins    int
	seqDL     bool
	flPrio    bool
	toggles   []string
	filePrio  []string
	pieceSize int64
	pieces    []int
	files     []File
	savePath  string
	knownHash string
	infoDelay time.Duration
}

func newFakeQBT() *fakeQBT {
	return &fakeQBT{
		password:  "secret",
		sid:       "session-1",
		knownHash: hash,
		savePath:  "/downloads",
		pieceSize: 100,
		files: []File{
			{Index: 0, Name: "Show/e01.mkv", Size: 250, Progress: 1, PieceRange: []int{0, 2}},
			{Index: 1, Name: "Show/e02.mkv", Size: 300, Progress: 0.2, PieceRange: []int{2, 5}},
		},
		// 550 bytes → 6 pieces; e02 covers bytes 250..549, pieces 2..5
		pieces: []int{2, 2, 2, 2, 1, 0},
	}
}

func (f *fakeQBT) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v2/torrents/info" && f.infoDelay > 0 {
		time.Sleep(f.infoDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/api/v2/auth/login" {
		f.logins++
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != f.password {
			_, _ = w.Write([]byte("Fails."))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: f.sid})
		_, _ = w.Write([]byte("Ok."))
		return
	}

	if c, err := r.Cookie("SID"); err != nil || c.Value != f.sid {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Forbidden"))
		return
	}

	q := r.URL.Query()
	_ = r.ParseForm()

	switch r.URL.Path {
	case "/api/v2/app/version":
		_, _ = w.Write([]byte("v5.0.3"))
	case "/api/v2/torrents/info":
		if q.Get("hashes") != f.knownHash {
			_ = json.NewEncoder(w).Encode([]TorrentInfo{})
			return
		}
		_ = json.NewEncoder(w).Encode([]TorrentInfo{{
			Hash: f.knownHash, SavePath: f.savePath, SequentialDL: f.seqDL, FirstLastPiecePri: f.flPrio,
		}})
	case "/api/v2/torrents/files":
		if q.Get("hash") != f.knownHash {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.files)
	case "/api/v2/torrents/properties":
		_ = json.NewEncoder(w).Encode(properties{PieceSize: f.pieceSize, SavePath: f.savePath})
	case "/api/v2/torrents/pieceStates":
		_ = json.NewEncoder(w).Encode(f.pieces)
	case "/api/v2/torrents/filePrio":
		f.filePrio = append(f.filePrio, r.PostForm.Get("id")+"="+r.PostForm.Get("priority"))
	case "/api/v2/torrents/toggleSequentialDownload":
		f.seqDL = !f.seqDL
		f.toggles = append(f.toggles, "seq")
	case "/api/v2/torrents/toggleFirstLastPiecePrio":
		f.flPrio = !f.flPrio
		f.toggles = append(f.toggles, "firstlast")
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, fake *fakeQBT) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return New(&staticSettings{in: settings.Integration{
		Service:  settings.ServiceQBittorrent,
		BaseURL:  srv.URL,
		Username: "admin",
		Secret:   "secret",
	}}, srv.Client())
}

func TestLoginOnForbiddenAndReuseSession(t *testing.T) {
	fake := newFakeQBT()
	c := newTestClient(t, fake)
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "v5.0.3", v)
	require.Equal(t, 1, fake.logins)

	_, err = c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fake.logins)

	// Session expired on the server side
	fake.mu.Lock()
	fake.sid = "session-2"
	fake.mu.Unlock()

	_, err = c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, fake.logins)
}

func TestLoginRejected(t *testing.T) {
	fake := newFakeQBT()
	fake.password = "changed"
	c := newTestClient(t, fake)

	_, err := c.Version(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestNotConfigured(t *testing.T) {
	c := New(&staticSettings{err: settings.ErrNotConfigured}, nil)
	_, err := c.ListFiles(context.Background(), hash)
	require.ErrorIs(t, err, settings.ErrNotConfigured)
}

func TestListFilesAndSavePath(t *testing.T) {
	c := newTestClient(t, newFakeQBT())
	ctx := context.Background()

	files, err := c.ListFiles(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, []media.EngineFile{
		{Index: 0, Name: "Show/e01.mkv", Size: 250, Progress: 1},
		{Index: 1, Name: "Show/e02.mkv", Size: 300, Progress: 0.2},
	}, files)

	p, err := c.SavePath(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, "/downloads", p)

	other := strings.Repeat("cd", 20)
	_, err = c.ListFiles(ctx, other)
	require.ErrorIs(t, err, media.ErrNotFound)
	_, err = c.SavePath(ctx, other)
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestSetFilePriorityIsIdempotent(t *testing.T) {
	fake := newFakeQBT()
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.SetFilePriority(ctx, hash, 1, media.PriorityMax))
	require.NoError(t, c.SetFilePriority(ctx, hash, 1, media.PriorityMax))

	require.Equal(t, []string{"1=7", "1=7"}, fake.filePrio)
	require.Equal(t, []string{"seq", "firstlast"}, fake.toggles)
	require.True(t, fake.seqDL)
	require.True(t, fake.flPrio)

	require.NoError(t, c.SetFilePriority(ctx, hash, 0, media.PriorityNormal))
	require.Equal(t, "0=1", fake.filePrio[2])
	require.Len(t, fake.toggles, 2)
}

func TestSetFilePriorityConcurrent(t *testing.T) {
	fake := newFakeQBT()
	fake.infoDelay = 50 * time.Millisecond
	c := newTestClient(t, fake)
	ctx := context.Background()

	_, err := c.Version(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.SetFilePriority(ctx, hash, 1, media.PriorityMax)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.ElementsMatch(t, []string{"seq", "firstlast"}, fake.toggles)
	require.True(t, fake.seqDL)
	require.True(t, fake.flPrio)
}

func TestHaveRange(t *testing.T) {
	c := newTestClient(t, newFakeQBT())
	ctx := context.Background()

	tests := []struct {
		name       string
		index      int
		start, end int64
		want       bool
	}{
		{"first file complete", 0, 0, 249, true},
		{"second file head", 1, 0, 149, true},    // abs 250..399 → pieces 2..3
		{"second file middle", 1, 100, 200, false}, // abs 350..450 → pieces 3..4
		{"second file tail", 1, 250, 299, false},   // abs 500..549 → piece 5
		{"end beyond file", 1, 0, 300, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.HaveRange(ctx, hash, tt.index, tt.start, tt.end)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := c.HaveRange(ctx, hash, 9, 0, 1)
	require.ErrorIs(t, err, media.ErrNotFound)
}

func TestHaveRangePadAligned(t *testing.T) {
	fake := newFakeQBT()
	// Hybrid torrent: a hidden 50 byte pad file moves b.mkv to offset 300
	fake.files = []File{
		{Index: 0, Name: "Movie/a.mkv", Size: 250, Progress: 0, PieceRange: []int{0, 2}},
		{Index: 1, Name: "Movie/b.mkv", Size: 150, Progress: 0.5, PieceRange: []int{3, 4}},
	}
	fake.pieces = []int{0, 0, 0, 2, 0}
	c := newTestClient(t, fake)
	ctx := context.Background()

	tests := []struct {
		name       string
		index      int
		start, end int64
		want       bool
	}{
		{"aligned head", 1, 0, 99, true},     // abs 300..399 → piece 3
		{"aligned tail", 1, 100, 149, false}, // abs 400..449 → piece 4
		{"unpadded file", 0, 0, 99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.HaveRange(ctx, hash, tt.index, tt.start, tt.end)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFileOffset(t *testing.T) {
	tests := []struct {
		name       string
		summed     int64
		pieceRange []int
		want       int64
	}{
		{"no piece range", 250, nil, 250},
		{"v1 offset inside first piece", 250, []int{2, 5}, 250},
		{"v1 offset on boundary", 200, []int{2, 5}, 200},
		{"pad files hidden", 250, []int{3, 4}, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, fileOffset(tt.summed, tt.pieceRange, 100))
		})
	}
}
