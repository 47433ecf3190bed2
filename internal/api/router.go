package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/metrics"
	"github.com/shapedtime/cinegate/internal/streaming"
)

// Probe checks that one collaborator answers. Used by GET /api/status.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server represents the REST API server
type Server struct {
	router   *gin.Engine
	resolver *media.Resolver
	gate     *media.Gate
	streamer *streaming.Server
	metrics  *metrics.Metrics // Optional: nil disables instrumentation
	torrents TorrentManager   // Optional: only set for the embedded engine

	engineKind string
	probes     []Probe

	log *slog.Logger
}

// NewServer creates a new API server
func NewServer(
	resolver *media.Resolver,
	gate *media.Gate,
	streamer *streaming.Server,
	m *metrics.Metrics, // Can be nil
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		resolver: resolver,
		gate:     gate,
		streamer: streamer,
		metrics:  m,
		log:      slog.With("component", "api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// SetTorrentManager enables the torrent management endpoints.
func (s *Server) SetTorrentManager(tm TorrentManager) {
	s.torrents = tm
	s.log.Info("torrent management endpoints enabled")
}

// SetStatus configures what GET /api/status reports.
func (s *Server) SetStatus(engineKind string, probes ...Probe) {
	s.engineKind = engineKind
	s.probes = probes
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recovery())

	// Logging middleware
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"range", c.GetHeader("Range"),
			"took", time.Since(start),
		)
	})

	// CORS so browser media elements on other origins can issue range requests
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})
}

// recovery turns panics into 500 responses, except http.ErrAbortHandler,
// which is re-raised so net/http drops the connection of a stream that
// failed after its headers were sent.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			s.log.Error("panic in handler",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"panic", rec,
			)
			if !c.Writer.Written() {
				errorResponse(c, http.StatusInternalServerError, "internal server error")
			}
			c.Abort()
		}()
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")

	// Streaming
	api.GET("/stream/:handle", s.stream)
	api.HEAD("/stream/:handle", s.stream)
	api.GET("/stream/:handle/info", s.streamInfo)
	api.POST("/stream/:handle/prepare", s.prepareStream)

	// Torrents - embedded engine management
	api.GET("/torrents", s.listTorrents)
	api.POST("/torrents", s.addTorrent)
	api.GET("/torrents/:hash", s.getTorrent)
	api.DELETE("/torrents/:hash", s.deleteTorrent)

	// Status
	api.GET("/status", s.getStatus)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Error response helper
func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
