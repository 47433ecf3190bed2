// Package qbittorrent is a client for the qBittorrent Web API v2 exposing
// the operations the gateway needs from an external torrent engine.
package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shapedtime/cinegate/internal/settings"
)

// ErrNotFound is returned when qBittorrent does not know a torrent.
var ErrNotFound = errors.New("torrent not found in qbittorrent")

// ErrAuth is returned when login is rejected.
var ErrAuth = errors.New("qbittorrent authentication failed")

const maxErrorBody = 512

// SettingsSource provides the connection settings, usually a settings.Cache.
type SettingsSource interface {
	Get(ctx context.Context, service string) (settings.Integration, error)
}

// Client talks to one qBittorrent instance. Connection settings are read on
// every call so edits in the settings store apply without a restart.
type Client struct {
	settings SettingsSource
	http     *http.Client

	// Session cookie and the settings it was obtained with
	mu         sync.Mutex
	sid        string
	sessionFor string

	// Serializes read-then-toggle sequences per torrent
	hashMu    sync.Mutex
	hashLocks map[string]*sync.Mutex

	log *slog.Logger
}

// New creates a client. A nil httpClient uses a client with a 30s timeout.
func New(src SettingsSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		settings:  src,
		http:      httpClient,
		hashLocks: make(map[string]*sync.Mutex),
		log:       slog.With("component", "qbittorrent"),
	}
}

// lockHash locks the per-torrent mutex and returns its unlock func.
func (c *Client) lockHash(hash string) func() {
	c.hashMu.Lock()
	l, ok := c.hashLocks[hash]
	if !ok {
		l = &sync.Mutex{}
		c.hashLocks[hash] = l
	}
	c.hashMu.Unlock()

	l.Lock()
	return l.Unlock
}

func sessionKey(in settings.Integration) string {
	return in.BaseURL + "\x00" + in.Username + "\x00" + in.Secret
}

// session returns the cookie valid for the current settings.
func (c *Client) session(in settings.Integration) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionFor != sessionKey(in) {
		c.sid = ""
	}
	return c.sid
}

// login authenticates and stores the SID cookie.
func (c *Client) login(ctx context.Context, in settings.Integration) error {
	form := url.Values{}
	form.Set("username", in.Username)
	form.Set("password", in.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(in.BaseURL, "/")+"/api/v2/auth/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// qBittorrent rejects logins whose Referer/Origin does not match its host
	req.Header.Set("Referer", in.BaseURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		return fmt.Errorf("%w (status %d): %s", ErrAuth, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			c.mu.Lock()
			c.sid = cookie.Value
			c.sessionFor = sessionKey(in)
			c.mu.Unlock()
			c.log.Debug("logged in", "base_url", in.BaseURL)
			return nil
		}
	}

	return fmt.Errorf("%w: no SID cookie in response", ErrAuth)
}

// do executes a request with the session cookie attached. A 403 means the
// session expired: it logs in again and retries once.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	in, err := c.settings.Get(ctx, settings.ServiceQBittorrent)
	if err != nil {
		return nil, err
	}

	makeReq := func() (*http.Request, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(in.BaseURL, "/")+path, body)
		if err != nil {
			return nil, err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if sid := c.session(in); sid != "" {
			req.AddCookie(&http.Cookie{Name: "SID", Value: sid})
		}
		return req, nil
	}

	req, err := makeReq()
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		if err := c.login(ctx, in); err != nil {
			return nil, err
		}
		req, err = makeReq()
		if err != nil {
			return nil, fmt.Errorf("create retry request: %w", err)
		}
		resp, err = c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// post performs a form POST and discards the response body.
func (c *Client) post(ctx context.Context, path string, form url.Values) error {
	resp, err := c.do(ctx, http.MethodPost, path, form)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Version returns the qBittorrent application version.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v2/app/version", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
