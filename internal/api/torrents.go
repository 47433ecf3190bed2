package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/gin-gonic/gin"

	"github.com/shapedtime/cinegate/internal/torrent"
)

// maxTorrentFileSize bounds uploaded .torrent files.
const maxTorrentFileSize = 10 << 20

// TorrentManager is the embedded engine's management surface.
type TorrentManager interface {
	AddMagnet(ctx context.Context, magnetURI string) (torrent.TorrentStatus, error)
	AddMetaInfo(ctx context.Context, mi *metainfo.MetaInfo) (torrent.TorrentStatus, error)
	RemoveTorrent(hash string, deleteData bool) error
	Status(hash string) (torrent.TorrentStatus, error)
	ListTorrents() []torrent.TorrentStatus
}

// TorrentListResponse contains a list of torrents
type TorrentListResponse struct {
	Torrents []TorrentResponse `json:"torrents"`
}

// TorrentResponse contains torrent status information
type TorrentResponse struct {
	InfoHash   string    `json:"info_hash"`
	Name       string    `json:"name"`
	TotalSize  int64     `json:"total_size"`
	Downloaded int64     `json:"downloaded"`
	Progress   float64   `json:"progress"`
	Seeders    int       `json:"seeders"`
	Leechers   int       `json:"leechers"`
	Files      int       `json:"files"`
	AddedAt    time.Time `json:"added_at"`
}

// AddTorrentRequest adds a torrent by magnet link.
type AddTorrentRequest struct {
	Magnet string `json:"magnet" binding:"required"`
}

// listTorrents returns all loaded torrents
// GET /api/torrents
func (s *Server) listTorrents(c *gin.Context) {
	if !s.requireTorrentManager(c) {
		return
	}

	statuses := s.torrents.ListTorrents()
	response := TorrentListResponse{
		Torrents: make([]TorrentResponse, len(statuses)),
	}
	for i, status := range statuses {
		response.Torrents[i] = statusToResponse(status)
	}

	c.JSON(http.StatusOK, response)
}

// addTorrent adds a torrent from a JSON magnet link or an uploaded
// .torrent file in the multipart field "file".
// POST /api/torrents
func (s *Server) addTorrent(c *gin.Context) {
	if !s.requireTorrentManager(c) {
		return
	}

	var (
		status torrent.TorrentStatus
		err    error
	)

	if fh, ferr := c.FormFile("file"); ferr == nil {
		if fh.Size > maxTorrentFileSize {
			errorResponse(c, http.StatusRequestEntityTooLarge, "torrent file too large")
			return
		}
		f, oerr := fh.Open()
		if oerr != nil {
			errorResponse(c, http.StatusBadRequest, oerr.Error())
			return
		}
		mi, lerr := metainfo.Load(f)
		f.Close()
		if lerr != nil {
			errorResponse(c, http.StatusBadRequest, "invalid torrent file: "+lerr.Error())
			return
		}
		status, err = s.torrents.AddMetaInfo(c.Request.Context(), mi)
	} else {
		var req AddTorrentRequest
		if berr := c.ShouldBindJSON(&req); berr != nil {
			errorResponse(c, http.StatusBadRequest, "magnet or file is required")
			return
		}
		status, err = s.torrents.AddMagnet(c.Request.Context(), req.Magnet)
	}

	if err != nil {
		switch {
		case errors.Is(err, torrent.ErrInvalidMagnet):
			errorResponse(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, torrent.ErrMetadataTimeout):
			errorResponse(c, http.StatusGatewayTimeout, err.Error())
		default:
			errorResponse(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, statusToResponse(status))
}

// getTorrent returns status of a specific torrent
// GET /api/torrents/:hash
func (s *Server) getTorrent(c *gin.Context) {
	if !s.requireTorrentManager(c) {
		return
	}

	status, err := s.torrents.Status(c.Param("hash"))
	if err != nil {
		if errors.Is(err, torrent.ErrTorrentNotFound) {
			errorResponse(c, http.StatusNotFound, "Torrent not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, statusToResponse(status))
}

// deleteTorrent removes a torrent
// DELETE /api/torrents/:hash
func (s *Server) deleteTorrent(c *gin.Context) {
	if !s.requireTorrentManager(c) {
		return
	}

	deleteData := c.Query("delete_data") == "true"

	if err := s.torrents.RemoveTorrent(c.Param("hash"), deleteData); err != nil {
		if errors.Is(err, torrent.ErrTorrentNotFound) {
			errorResponse(c, http.StatusNotFound, "Torrent not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) requireTorrentManager(c *gin.Context) bool {
	if s.torrents == nil {
		errorResponse(c, http.StatusNotImplemented, "Torrent management requires the embedded engine")
		return false
	}
	return true
}

func statusToResponse(status torrent.TorrentStatus) TorrentResponse {
	return TorrentResponse{
		InfoHash:   status.InfoHash,
		Name:       status.Name,
		TotalSize:  status.TotalSize,
		Downloaded: status.Downloaded,
		Progress:   status.Progress,
		Seeders:    status.Seeders,
		Leechers:   status.Leechers,
		Files:      status.Files,
		AddedAt:    status.AddedAt,
	}
}
