package media

import "errors"

// Sentinel errors for media resolution and readiness.
var (
	ErrInvalidHandle       = errors.New("invalid media handle")
	ErrNotFound            = errors.New("media file not found")
	ErrNotPlayable         = errors.New("file is not a playable video")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrRangeUnavailable    = errors.New("requested range not downloaded yet")
)
