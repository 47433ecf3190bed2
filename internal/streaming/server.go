package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
)

const (
	// DefaultChunkSize bounds memory per stream and cancellation latency.
	DefaultChunkSize = 256 * 1024
	minChunkSize     = 4 * 1024
)

// ReadAtCloser is the file handle the server reads from.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Opener opens a file for reading. Each stream gets its own handle.
type Opener func(path string) (ReadAtCloser, error)

// OpenFile is the default Opener backed by the local filesystem.
func OpenFile(path string) (ReadAtCloser, error) {
	return os.Open(path)
}

// Result describes how a stream attempt ended.
type Result struct {
	Outcome     Outcome
	HeadersSent bool
	Written     int64
	Err         error
}

// Server writes byte ranges of local files to HTTP responses.
type Server struct {
	chunkSize int
	open      Opener
	pool      sync.Pool
	log       *slog.Logger
}

// NewServer creates a chunked file server. A nil opener reads from disk.
func NewServer(chunkSize int, open Opener) *Server {
	if chunkSize < minChunkSize {
		chunkSize = DefaultChunkSize
	}
	if open == nil {
		open = OpenFile
	}

	s := &Server{
		chunkSize: chunkSize,
		open:      open,
		log:       slog.With("component", "chunked-server"),
	}
	s.pool.New = func() any {
		buf := make([]byte, s.chunkSize)
		return &buf
	}
	return s
}

// ChunkSize returns the configured read size.
func (s *Server) ChunkSize() int {
	return s.chunkSize
}

// WriteHeaders sets the response headers and status for a range of file.
func WriteHeaders(w http.ResponseWriter, file ResolvedFile, rng ByteRange) {
	h := w.Header()
	h.Set("Content-Type", file.ContentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache")

	if rng.Partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.Size))
		h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		return
	}

	h.Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// WriteNotSatisfiable writes a body-less 416 response for a file of size.
func WriteNotSatisfiable(w http.ResponseWriter, size int64) {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// Serve opens the file, writes headers and streams exactly rng to w.
// The first chunk is read before any header goes out, so a file that cannot
// be read at all still gets an error response. Bytes are emitted in
// increasing offset order; ctx is checked before every chunk so a closed
// client stops the loop within one chunk.
func (s *Server) Serve(ctx context.Context, w http.ResponseWriter, file ResolvedFile, rng ByteRange) Result {
	f, err := s.open(file.Path)
	if err != nil {
		return Result{Outcome: OutcomeIOError, Err: fmt.Errorf("open %s: %w", file.Name, err)}
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeClientDisconnected, Err: err}
	}

	bufp := s.pool.Get().(*[]byte)
	defer s.pool.Put(bufp)
	buf := *bufp

	ready := 0
	if rng.Length() > 0 {
		chunk := buf
		if int64(len(chunk)) > rng.Length() {
			chunk = chunk[:rng.Length()]
		}
		if err := readFull(f, chunk, rng.Start); err != nil {
			return Result{Outcome: OutcomeIOError, Err: fmt.Errorf("read %s: %w", file.Name, err)}
		}
		ready = len(chunk)
	}

	WriteHeaders(w, file, rng)

	written, err := s.copyRange(ctx, w, f, rng, buf, ready)
	res := Result{HeadersSent: true, Written: written, Err: err}

	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
	case errors.Is(err, errClientGone):
		res.Outcome = OutcomeClientDisconnected
	default:
		res.Outcome = OutcomeIOError
	}

	s.log.Debug("stream finished",
		"file", file.Name,
		"start", rng.Start,
		"end", rng.End,
		"written", written,
		"outcome", res.Outcome.String(),
	)
	return res
}

var errClientGone = errors.New("client disconnected")

// readFull fills chunk from off or fails.
func readFull(f io.ReaderAt, chunk []byte, off int64) error {
	n, err := f.ReadAt(chunk, off)
	if n == len(chunk) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read at %d: %w", off, err)
}

// copyRange streams rng to w. The first ready bytes of buf already hold the
// start of the range.
func (s *Server) copyRange(ctx context.Context, w http.ResponseWriter, f io.ReaderAt, rng ByteRange, buf []byte, ready int) (int64, error) {
	flusher, _ := w.(http.Flusher)
	off := rng.Start
	remaining := rng.Length()
	var written int64

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w: %w", errClientGone, err)
		}

		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		if ready > 0 {
			chunk = buf[:ready]
			ready = 0
		} else {
			n, err := f.ReadAt(chunk, off)
			if n < len(chunk) {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				// Deliver what was read so the client keeps a consistent prefix.
				if n > 0 {
					if wn, werr := w.Write(chunk[:n]); werr != nil {
						return written + int64(wn), fmt.Errorf("%w: %w", errClientGone, werr)
					}
					written += int64(n)
				}
				return written, fmt.Errorf("read at %d: %w", off, err)
			}
		}

		wn, werr := w.Write(chunk)
		written += int64(wn)
		if werr != nil {
			return written, fmt.Errorf("%w: %w", errClientGone, werr)
		}
		if flusher != nil {
			flusher.Flush()
		}

		off += int64(len(chunk))
		remaining -= int64(len(chunk))
	}

	return written, nil
}
