// Package arr resolves Radarr movies and Sonarr episodes to the files they
// imported, using the v3 REST APIs of both services.
package arr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shapedtime/cinegate/internal/media"
	"github.com/shapedtime/cinegate/internal/settings"
)

// ErrNotFound is returned when the service does not know the item.
var ErrNotFound = errors.New("item not found")

const maxResponseBytes = 4 * 1024 * 1024

// SettingsSource provides the connection settings, usually a settings.Cache.
type SettingsSource interface {
	Get(ctx context.Context, service string) (settings.Integration, error)
}

// Client implements media.LibraryManager on top of Radarr and Sonarr.
type Client struct {
	settings SettingsSource
	http     *http.Client
	log      *slog.Logger
}

// New creates a client. A nil httpClient uses a client with a 30s timeout.
func New(src SettingsSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		settings: src,
		http:     httpClient,
		log:      slog.With("component", "arr"),
	}
}

type movie struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	HasFile   bool       `json:"hasFile"`
	MovieFile *movieFile `json:"movieFile"`
}

type movieFile struct {
	Path string `json:"path"`
}

type episode struct {
	ID            int64 `json:"id"`
	EpisodeFileID int64 `json:"episodeFileId"`
	HasFile       bool  `json:"hasFile"`
}

type episodeFile struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// ItemFilePath implements media.LibraryManager. It returns an empty path
// when the item exists but has no imported file.
func (c *Client) ItemFilePath(ctx context.Context, item media.LibraryItem) (string, error) {
	var (
		p   string
		err error
	)
	switch item.Kind {
	case media.KindMovie:
		p, err = c.moviePath(ctx, item.ID)
	case media.KindEpisode:
		p, err = c.episodePath(ctx, item.ID)
	default:
		return "", fmt.Errorf("%w: unsupported item kind %q", media.ErrInvalidHandle, item.Kind)
	}
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %w", media.ErrNotFound, err)
	}
	return p, err
}

func (c *Client) moviePath(ctx context.Context, id int64) (string, error) {
	var m movie
	if err := c.get(ctx, settings.ServiceRadarr, fmt.Sprintf("/api/v3/movie/%d", id), &m); err != nil {
		return "", err
	}
	if !m.HasFile || m.MovieFile == nil {
		return "", nil
	}
	return m.MovieFile.Path, nil
}

func (c *Client) episodePath(ctx context.Context, id int64) (string, error) {
	var ep episode
	if err := c.get(ctx, settings.ServiceSonarr, fmt.Sprintf("/api/v3/episode/%d", id), &ep); err != nil {
		return "", err
	}
	if !ep.HasFile || ep.EpisodeFileID == 0 {
		return "", nil
	}

	var f episodeFile
	err := c.get(ctx, settings.ServiceSonarr, fmt.Sprintf("/api/v3/episodefile/%d", ep.EpisodeFileID), &f)
	if errors.Is(err, ErrNotFound) {
		// File deleted between the two calls
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.Path, nil
}

// Ping checks that a service answers with its system status.
func (c *Client) Ping(ctx context.Context, service string) error {
	var status struct {
		Version string `json:"version"`
	}
	return c.get(ctx, service, "/api/v3/system/status", &status)
}

func (c *Client) get(ctx context.Context, service, path string, out any) error {
	in, err := c.settings.Get(ctx, service)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(in.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", in.Secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", service, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", service, path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s request failed (status %d): %s", service, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", service, path, err)
	}
	return nil
}

var _ media.LibraryManager = (*Client)(nil)
