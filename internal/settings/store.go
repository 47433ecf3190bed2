package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no settings exist for a service.
var ErrNotConfigured = errors.New("integration not configured")

// Known collaborator services.
const (
	ServiceQBittorrent = "qbittorrent"
	ServiceSonarr      = "sonarr"
	ServiceRadarr      = "radarr"
)

// Integration holds the connection settings of one external service.
// Secret is a password for qBittorrent and an API key for Sonarr/Radarr.
type Integration struct {
	Service   string
	BaseURL   string
	Username  string
	Secret    string
	UpdatedAt time.Time
}

// Store persists integration settings.
type Store struct {
	db *DB
}

// NewStore creates a settings store on an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Get returns the settings of a service or ErrNotConfigured.
func (s *Store) Get(ctx context.Context, service string) (Integration, error) {
	var in Integration
	err := s.db.QueryRowContext(ctx,
		`SELECT service, base_url, username, secret, updated_at FROM integration_settings WHERE service = $1`,
		service,
	).Scan(&in.Service, &in.BaseURL, &in.Username, &in.Secret, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, fmt.Errorf("%s: %w", service, ErrNotConfigured)
	}
	if err != nil {
		return Integration{}, fmt.Errorf("failed to load %s settings: %w", service, err)
	}
	if strings.TrimSpace(in.BaseURL) == "" {
		return Integration{}, fmt.Errorf("%s has no base url: %w", service, ErrNotConfigured)
	}
	return in, nil
}

// List returns all stored integrations ordered by service name.
func (s *Store) List(ctx context.Context) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, base_url, username, secret, updated_at FROM integration_settings ORDER BY service`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var in Integration
		if err := rows.Scan(&in.Service, &in.BaseURL, &in.Username, &in.Secret, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settings: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Put creates or replaces the settings of a service.
func (s *Store) Put(ctx context.Context, in Integration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_settings (service, base_url, username, secret, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (service) DO UPDATE SET
			base_url = excluded.base_url,
			username = excluded.username,
			secret = excluded.secret,
			updated_at = CURRENT_TIMESTAMP`,
		in.Service, in.BaseURL, in.Username, in.Secret,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s settings: %w", in.Service, err)
	}
	return nil
}

// Seed inserts settings only if the service has no row yet, so values
// edited in the database survive restarts. It reports whether a row was
// inserted.
func (s *Store) Seed(ctx context.Context, in Integration) (bool, error) {
	if strings.TrimSpace(in.BaseURL) == "" {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_settings (service, base_url, username, secret)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service) DO NOTHING`,
		in.Service, in.BaseURL, in.Username, in.Secret,
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed %s settings: %w", in.Service, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
