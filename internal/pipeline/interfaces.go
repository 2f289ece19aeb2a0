package pipeline

import (
	"context"
	"image"
	"time"
)

// Model is the external detection model. It receives the crop-space image and
// returns crop-space detections.
type Model interface {
	// Name returns the model identifier
	Name() string

	// IsHealthy returns true if the model is operational
	IsHealthy() bool

	// Infer runs the model on a crop. An error is treated as zero detections.
	Infer(ctx context.Context, crop image.Image) ([]Detection, error)

	// Close releases model resources
	Close() error
}

// Decoder is the unified interface for all symbol decode backends
type Decoder interface {
	// Name returns the backend identifier (e.g., "zxing", "opencv", "mlscanner")
	Name() string

	// Backend returns the backend family
	Backend() BackendKind

	// IsHealthy returns true if the backend can serve requests
	IsHealthy() bool

	// Decode looks for one symbol in img. (nil, nil) means nothing was found.
	Decode(ctx context.Context, img image.Image, hints DecodeHints) (*DecodedPayload, error)

	// Close releases backend resources
	Close() error
}

// RegionDecoder is what the pipeline calls per region. It never returns an
// error: every backend failure becomes an empty result.
type RegionDecoder interface {
	DecodeRegion(ctx context.Context, region *Region, hints DecodeHints) *DecodedPayload
}

// DecoderRegistry manages available decode backends
type DecoderRegistry interface {
	// Register adds a decoder to the registry
	Register(decoder Decoder) error

	// Get returns a decoder by name
	Get(name string) (Decoder, bool)

	// GetAll returns all registered decoders
	GetAll() []Decoder

	// GetHealthyByNames returns healthy decoders matching the given names, in order
	GetHealthyByNames(names []string) []Decoder

	// Close releases all decoder resources
	Close() error
}

// AdmissionGate decides whether an otherwise idle scheduler may take a frame
type AdmissionGate interface {
	// Name returns the gate identifier
	Name() string

	// ShouldAdmit is called on the producer path and must not block
	ShouldAdmit(now time.Time) bool

	// OnAdmitted is called after a frame was admitted
	OnAdmitted(now time.Time)

	// Reset clears internal state
	Reset()
}

// ResultsHandler receives tracker change notifications
type ResultsHandler interface {
	// OnResultsChanged is called after the tracker accepts a batch
	OnResultsChanged(event *ResultsChanged)
}

// ResultsHandlerFunc adapts a function to ResultsHandler
type ResultsHandlerFunc func(event *ResultsChanged)

func (f ResultsHandlerFunc) OnResultsChanged(event *ResultsChanged) {
	f(event)
}

// OverlayProvider is implemented by components that draw the current results.
// Implementations should drop updates with seq < last received seq.
type OverlayProvider interface {
	// UpdateResults provides the latest accepted snapshot
	UpdateResults(seq uint64, snapshot Snapshot)

	// CurrentSequence returns the sequence of the snapshot being displayed
	CurrentSequence() uint64
}

// RegionObserver receives every extracted region, e.g. for persistence.
// Implementations must copy anything they keep past the call.
type RegionObserver interface {
	OnRegion(seq uint64, result TrackedResult, region *Region)
}
