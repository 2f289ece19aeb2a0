package pipeline

import (
	"errors"

	"keydot/internal/geometry"
)

// ErrConfiguration marks invalid session settings. Fatal at startup only.
var ErrConfiguration = geometry.ErrConfiguration

// ConfigurationError names the offending setting and wraps ErrConfiguration
type ConfigurationError = geometry.ConfigurationError

var (
	// ErrEmptyRegion is returned for a degenerate crop; decode is skipped
	ErrEmptyRegion = errors.New("empty region")
	// ErrDecodeTimeout means a decode call exceeded its budget
	ErrDecodeTimeout = errors.New("decode timeout")
	// ErrModelInference means the model failed; the frame proceeds with no detections
	ErrModelInference = errors.New("model inference failed")
	// ErrStaleUpdate is reported by the tracker for out-of-order batches
	ErrStaleUpdate = errors.New("stale update")
	// ErrBackendUnavailable means a decode backend cannot serve requests
	ErrBackendUnavailable = errors.New("decode backend unavailable")
)
