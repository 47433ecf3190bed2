package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/metrics"
	"github.com/shapedtime/cinegate/internal/streaming"
	"github.com/shapedtime/cinegate/internal/torrent"
)

var testHash = strings.Repeat("5e", 20)

type engine struct {
	mu       sync.Mutex
	savePath string
	files    []media.EngineFile
	have     bool
	err      error
	prepared []int
}

func (e *engine) ListFiles(_ context.Context, hash string) ([]media.EngineFile, error) {
	if e.err != nil {
		return nil, e.err
	}
	if hash != testHash {
		return nil, media.ErrNotFound
	}
	return e.files, nil
}

func (e *engine) SavePath(context.Context, string) (string, error) {
	return e.savePath, e.err
}

func (e *engine) SetFilePriority(_ context.Context, _ string, index int, _ media.Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared = append(e.prepared, index)
	return nil
}

func (e *engine) HaveRange(context.Context, string, int, int64, int64) (bool, error) {
	return e.have, nil
}

type fixture struct {
	dir     string
	engine  *engine
	metrics *metrics.Metrics
	server  *Server
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// newFixture serves a torrent with a complete movie (index 0), a partly
// downloaded movie (index 1) and a text file (index 2).
func newFixture(t *testing.T, open streaming.Opener) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Pack"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Pack", "movie.mp4"), content(10000), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Pack", "growing.mkv"), content(4000), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Pack", "notes.txt"), []byte("hello"), 0644))

	eng := &engine{
		savePath: dir,
		files: []media.EngineFile{
			{Index: 0, Name: "Pack/movie.mp4", Size: 10000, Progress: 1},
			{Index: 1, Name: "Pack/growing.mkv", Size: 8000, Progress: 0.5},
			{Index: 2, Name: "Pack/notes.txt", Size: 5, Progress: 1},
		},
	}

	m := metrics.New(prometheus.NewRegistry())
	resolver := media.NewResolver(eng, nil, media.ResolverOptions{Observer: m.ObserveUpstream})
	gate := media.NewGate(resolver, media.GateOptions{})
	s := NewServer(resolver, gate, streaming.NewServer(4096, open), m)

	return &fixture{dir: dir, engine: eng, metrics: m, server: s}
}

func (f *fixture) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func streamPath(index int) string {
	return fmt.Sprintf("/api/stream/torrent:%s:%d", testHash, index)
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Error)
	return body.Error
}

func TestStreamFullFile(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, streamPath(0), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "10000", rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Header().Get("Content-Range"))
	require.Equal(t, content(10000), rec.Body.Bytes())

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StreamOutcomes.WithLabelValues("completed")))
	require.Equal(t, 10000.0, testutil.ToFloat64(f.metrics.StreamBytes))
}

func TestStreamRanges(t *testing.T) {
	f := newFixture(t, nil)
	full := content(10000)

	tests := []struct {
		name        string
		rangeHeader string
		wantStatus  int
		wantRange   string
		wantBody    []byte
		wantLength  string
	}{
		{"first hundred", "bytes=0-99", http.StatusPartialContent, "bytes 0-99/10000", full[:100], "100"},
		{"open ended", "bytes=9990-", http.StatusPartialContent, "bytes 9990-9999/10000", full[9990:], "10"},
		{"suffix", "bytes=-5", http.StatusPartialContent, "bytes 9995-9999/10000", full[9995:], "5"},
		{"multi range downgrades", "bytes=0-1,5-6", http.StatusOK, "", full, "10000"},
		{"garbage downgrades", "pages=1-2", http.StatusOK, "", full, "10000"},
		{"past end", "bytes=10000-", http.StatusRequestedRangeNotSatisfiable, "bytes */10000", nil, "0"},
		{"end past size", "bytes=0-10000", http.StatusRequestedRangeNotSatisfiable, "bytes */10000", nil, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, streamPath(0), http.Header{"Range": {tt.rangeHeader}})

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			require.Equal(t, tt.wantLength, rec.Header().Get("Content-Length"))
			require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
			if tt.wantBody == nil {
				require.Zero(t, rec.Body.Len())
			} else {
				require.Equal(t, tt.wantBody, rec.Body.Bytes())
			}

			again := f.do(http.MethodGet, streamPath(0), http.Header{"Range": {tt.rangeHeader}})
			require.Equal(t, rec.Code, again.Code)
			require.Equal(t, rec.Header(), again.Header())
			require.Equal(t, rec.Body.Bytes(), again.Body.Bytes())
		})
	}
}

func TestStreamHead(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodHead, streamPath(0), http.Header{"Range": {"bytes=100-199"}})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "100", rec.Header().Get("Content-Length"))
	require.Equal(t, "bytes 100-199/10000", rec.Header().Get("Content-Range"))
	require.Zero(t, rec.Body.Len())
}

func TestStreamRejections(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"malformed handle", "/api/stream/not-a-handle", http.StatusBadRequest},
		{"short hash", "/api/stream/torrent:abc:0", http.StatusBadRequest},
		{"unknown torrent", "/api/stream/torrent:" + strings.Repeat("00", 20) + ":0", http.StatusNotFound},
		{"unknown file index", streamPath(7), http.StatusNotFound},
		{"not playable", streamPath(2), http.StatusBadRequest},
		{"range beyond frontier", streamPath(1), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path, http.Header{"Range": {"bytes=3000-3999"}})
			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
			errorBody(t, rec)
		})
	}
}

func TestStreamUpstreamUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.err = errors.New("dial tcp: connection refused")

	rec := f.do(http.MethodGet, streamPath(0), nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errorBody(t, rec)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpstreamErrors.WithLabelValues("torrent", "list_files")))
}

func TestStreamPartialFileWithinFrontier(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.have = true

	rec := f.do(http.MethodGet, streamPath(1), http.Header{"Range": {"bytes=0-1023"}})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "video/x-matroska", rec.Header().Get("Content-Type"))
	// Size is what is on disk now, not the final torrent size
	require.Equal(t, "bytes 0-1023/4000", rec.Header().Get("Content-Range"))
	require.Equal(t, content(4000)[:1024], rec.Body.Bytes())
}

func TestStreamFileVanishedBeforeOpen(t *testing.T) {
	f := newFixture(t, func(string) (streaming.ReadAtCloser, error) {
		return nil, &os.PathError{Op: "open", Path: "movie.mp4", Err: os.ErrNotExist}
	})

	rec := f.do(http.MethodGet, streamPath(0), nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	errorBody(t, rec)
}

// failingFile returns an I/O error for reads past limit.
type failingFile struct {
	*os.File
	limit int64
}

func (f failingFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.limit {
		return 0, errors.New("input/output error")
	}
	if rem := f.limit - off; int64(len(p)) > rem {
		p = p[:rem]
	}
	return f.File.ReadAt(p, off)
}

func TestStreamUnreadableFileReturnsError(t *testing.T) {
	f := newFixture(t, func(path string) (streaming.ReadAtCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return failingFile{File: file, limit: 0}, nil
	})

	rec := f.do(http.MethodGet, streamPath(0), http.Header{"Range": {"bytes=0-99"}})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	require.Empty(t, rec.Header().Get("Content-Range"))
	require.Contains(t, errorBody(t, rec), "input/output error")
}

func TestStreamIOErrorAfterHeadersAbortsConnection(t *testing.T) {
	f := newFixture(t, func(path string) (streaming.ReadAtCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return failingFile{File: file, limit: 6000}, nil
	})

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + streamPath(0))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(10000), resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	require.Less(t, len(body), 10000)
	require.Equal(t, content(10000)[:len(body)], body)
}

func TestStreamInfo(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, streamPath(1)+"/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info StreamInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, StreamInfoResponse{
		Name:     "growing.mkv",
		Size:     8000,
		MimeType: "video/x-matroska",
		Progress: 0.5,
		IsReady:  true,
		Playable: true,
	}, info)

	rec = f.do(http.MethodGet, "/api/stream/torrent:"+strings.Repeat("00", 20)+":0/info", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/stream/library:book-1/info", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrepareStream(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, streamPath(1)+"/prepare", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true}`, rec.Body.String())
	require.Equal(t, []int{1}, f.engine.prepared)

	rec = f.do(http.MethodPost, streamPath(9)+"/prepare", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// No library manager configured
	rec = f.do(http.MethodPost, "/api/stream/library:movie-3/prepare", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodOptions, streamPath(0), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")
}

func TestRecoveryReturns500(t *testing.T) {
	f := newFixture(t, nil)
	f.server.router.GET("/api/boom", func(*gin.Context) { panic("boom") })

	rec := f.do(http.MethodGet, "/api/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	errorBody(t, rec)
}

type fakeManager struct {
	statuses map[string]torrent.TorrentStatus
	removed  []string
}

func (m *fakeManager) AddMagnet(_ context.Context, uri string) (torrent.TorrentStatus, error) {
	if !strings.HasPrefix(uri, "magnet:") {
		return torrent.TorrentStatus{}, torrent.ErrInvalidMagnet
	}
	st := torrent.TorrentStatus{InfoHash: testHash, Name: "from magnet"}
	m.statuses[testHash] = st
	return st, nil
}

func (m *fakeManager) AddMetaInfo(_ context.Context, mi *metainfo.MetaInfo) (torrent.TorrentStatus, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return torrent.TorrentStatus{}, err
	}
	st := torrent.TorrentStatus{InfoHash: mi.HashInfoBytes().HexString(), Name: info.Name}
	m.statuses[st.InfoHash] = st
	return st, nil
}

func (m *fakeManager) RemoveTorrent(hash string, _ bool) error {
	if _, ok := m.statuses[hash]; !ok {
		return torrent.ErrTorrentNotFound
	}
	delete(m.statuses, hash)
	m.removed = append(m.removed, hash)
	return nil
}

func (m *fakeManager) Status(hash string) (torrent.TorrentStatus, error) {
	st, ok := m.statuses[hash]
	if !ok {
		return torrent.TorrentStatus{}, torrent.ErrTorrentNotFound
	}
	return st, nil
}

func (m *fakeManager) ListTorrents() []torrent.TorrentStatus {
	out := make([]torrent.TorrentStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	return out
}

func TestTorrentEndpointsWithoutEngine(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/torrents", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestTorrentEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	mgr := &fakeManager{statuses: make(map[string]torrent.TorrentStatus)}
	f.server.SetTorrentManager(mgr)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/torrents", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`{"magnet":"http://nope"}`).Code)

	rec := post(`{"magnet":"magnet:?xt=urn:btih:` + testHash + `"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created TorrentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, testHash, created.InfoHash)

	rec = f.do(http.MethodGet, "/api/torrents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list TorrentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Torrents, 1)

	rec = f.do(http.MethodGet, "/api/torrents/"+testHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/api/torrents/"+testHash+"?delete_data=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{testHash}, mgr.removed)

	rec = f.do(http.MethodDelete, "/api/torrents/"+testHash, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddTorrentFileUpload(t *testing.T) {
	f := newFixture(t, nil)
	mgr := &fakeManager{statuses: make(map[string]torrent.TorrentStatus)}
	f.server.SetTorrentManager(mgr)

	info := metainfo.Info{PieceLength: 16 * 1024}
	require.NoError(t, info.BuildFromFilePath(filepath.Join(f.dir, "Pack", "movie.mp4")))
	mi := metainfo.MetaInfo{}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "movie.torrent")
	require.NoError(t, err)
	require.NoError(t, mi.Write(fw))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/torrents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created TorrentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "movie.mp4", created.Name)
	require.Equal(t, mi.HashInfoBytes().HexString(), created.InfoHash)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.server.SetStatus("qbittorrent",
		Probe{Name: "qbittorrent", Check: func(context.Context) error { return nil }},
		Probe{Name: "sonarr", Check: func(context.Context) error { return errors.New("integration not configured") }},
	)

	rec := f.do(http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "degraded", st.Status)
	require.Equal(t, "qbittorrent", st.Engine)
	require.True(t, st.Collaborators["qbittorrent"].OK)
	require.False(t, st.Collaborators["sonarr"].OK)
	require.Equal(t, "integration not configured", st.Collaborators["sonarr"].Error)
}
