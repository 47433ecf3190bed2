package api

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/streaming"
)

// StreamInfoResponse describes a handle for players polling readiness.
type StreamInfoResponse struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	MimeType string  `json:"mimeType"`
	Progress float64 `json:"progress"`
	IsReady  bool    `json:"isReady"`
	Playable bool    `json:"isPlayable"`
}

// stream serves the file behind a handle, honoring a single Range.
// GET|HEAD /api/stream/:handle
func (s *Server) stream(c *gin.Context) {
	h, err := media.ParseHandle(c.Param("handle"))
	if err != nil {
		s.streamError(c, err)
		return
	}

	ctx := c.Request.Context()

	// Size is re-read on every request: a downloading file grows.
	file, err := s.resolver.Resolve(ctx, h)
	if err != nil {
		s.streamError(c, err)
		return
	}
	if !file.Playable {
		s.streamError(c, media.ErrNotPlayable)
		return
	}

	rng, err := streaming.Negotiate(c.GetHeader("Range"), file.Size)
	if errors.Is(err, streaming.ErrRangeNotSatisfiable) {
		s.rejected(http.StatusRequestedRangeNotSatisfiable)
		streaming.WriteNotSatisfiable(c.Writer, file.Size)
		return
	}
	if err != nil {
		s.streamError(c, err)
		return
	}

	if err := s.gate.CheckRange(ctx, h, file, rng); err != nil {
		s.streamError(c, err)
		return
	}

	if c.Request.Method == http.MethodHead {
		streaming.WriteHeaders(c.Writer, file, rng)
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	start := time.Now()

	res := s.streamer.Serve(ctx, c.Writer, file, rng)

	if s.metrics != nil {
		s.metrics.StreamOutcomes.WithLabelValues(res.Outcome.String()).Inc()
		s.metrics.StreamBytes.Add(float64(res.Written))
		if res.HeadersSent {
			s.metrics.StreamDuration.Observe(time.Since(start).Seconds())
		}
	}

	switch res.Outcome {
	case streaming.OutcomeCompleted:
		return

	case streaming.OutcomeClientDisconnected:
		s.log.Debug("client disconnected",
			"handle", h.String(),
			"start", rng.Start,
			"end", rng.End,
			"written", res.Written,
		)
		return

	default:
		if !res.HeadersSent {
			status := http.StatusInternalServerError
			if errors.Is(res.Err, fs.ErrNotExist) {
				status = http.StatusNotFound
			}
			s.rejected(status)
			errorResponse(c, status, res.Err.Error())
			return
		}

		s.log.Error("stream aborted after headers",
			"handle", h.String(),
			"start", rng.Start,
			"end", rng.End,
			"written", res.Written,
			"error", res.Err,
		)
		// The body is short of Content-Length; drop the connection so the
		// client cannot mistake it for a complete response.
		panic(http.ErrAbortHandler)
	}
}

// streamInfo reports name, size, progress and readiness of a handle.
// GET /api/stream/:handle/info
func (s *Server) streamInfo(c *gin.Context) {
	h, err := media.ParseHandle(c.Param("handle"))
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}

	av, err := s.gate.Availability(c.Request.Context(), h)
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, StreamInfoResponse{
		Name:     av.Name,
		Size:     av.Size,
		MimeType: av.MimeType,
		Progress: av.Progress,
		IsReady:  av.Ready,
		Playable: av.Playable,
	})
}

// prepareStream asks the engine to fetch the file first. It does not wait
// for data; clients poll the info endpoint afterwards.
// POST /api/stream/:handle/prepare
func (s *Server) prepareStream(c *gin.Context) {
	h, err := media.ParseHandle(c.Param("handle"))
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}

	if err := s.gate.Prepare(c.Request.Context(), h); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// streamError writes the JSON error for a request rejected before any
// body byte.
func (s *Server) streamError(c *gin.Context, err error) {
	status := statusFor(err)
	s.rejected(status)
	if status >= http.StatusInternalServerError {
		s.log.Warn("stream request failed", "path", c.Request.URL.Path, "status", status, "error", err)
	}
	errorResponse(c, status, err.Error())
}

func (s *Server) rejected(status int) {
	if s.metrics != nil {
		s.metrics.RequestsRejected.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrInvalidHandle), errors.Is(err, media.ErrNotPlayable):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, streaming.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, media.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
