package pipeline

import (
	"image"
	"time"

	"keydot/internal/geometry"
)

// MappingMode selects how crop-space boxes are mapped back to frame space
type MappingMode string

const (
	// MappingInverse uses the inverse of the frame-to-crop Transform
	MappingInverse MappingMode = "inverse"
	// MappingScale uses fixed per-axis factors frameDim / modelInputSize
	MappingScale MappingMode = "scale"
)

// AdmissionMode defines when admitted frames may enter the pipeline
type AdmissionMode string

const (
	// AdmissionModeContinuous - admit whenever the pipeline is idle
	AdmissionModeContinuous AdmissionMode = "continuous"
	// AdmissionModeInterval - admit at most once per interval
	AdmissionModeInterval AdmissionMode = "interval"
	// AdmissionModePaused - admit nothing, capture keeps running
	AdmissionModePaused AdmissionMode = "paused"
)

// DecodePolicy decides which backend result is surfaced when several run
type DecodePolicy string

const (
	// DecodePolicyFirst stops at the first non-empty result in precedence order
	DecodePolicyFirst DecodePolicy = "first"
	// DecodePolicyCompare runs every backend, logs each result and surfaces the
	// first non-empty one in precedence order
	DecodePolicyCompare DecodePolicy = "compare"
	// DecodePolicyLast runs every backend and surfaces the last non-empty result
	DecodePolicyLast DecodePolicy = "last"
)

// BackendKind identifies the family of a decode backend
type BackendKind string

const (
	BackendNative   BackendKind = "native"
	BackendSoftware BackendKind = "software"
	BackendML       BackendKind = "ml"
)

// Format is a barcode symbology name, e.g. "DATA_MATRIX"
type Format string

const (
	FormatDataMatrix Format = "DATA_MATRIX"
	FormatQRCode     Format = "QR_CODE"
	FormatCode128    Format = "CODE_128"
)

// Frame is one captured image owned by the pipeline for a single pass.
// Pixels are tightly packed RGBA, 4 bytes per pixel.
type Frame struct {
	Pixels    []byte
	Width     int
	Height    int
	Sequence  uint64
	Timestamp time.Time
}

// Image returns an RGBA view over the frame pixels. The view shares memory
// with the frame and must not outlive the pass.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pixels,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Detection is one model output in crop space
type Detection struct {
	Label      string         `json:"label"`      // Optional class, passed through
	Confidence float32        `json:"confidence"` // [0-1]
	Box        *geometry.Rect `json:"box"`        // Crop-space box; nil when the model gave no location
}

// Region is a clamped, padded sub-rectangle of a frame with its pixels copied out
type Region struct {
	Rect  geometry.RectInt `json:"rect"`
	Image *image.RGBA      `json:"-"`
}

// Empty reports whether the region has zero width or height
func (r *Region) Empty() bool {
	return r == nil || r.Rect.Empty()
}

// DecodeHints tune a decode call
type DecodeHints struct {
	Formats   []Format `json:"formats" yaml:"formats"`       // Restrict symbologies; empty means all supported
	TryHarder bool     `json:"try_harder" yaml:"try_harder"` // Trade latency for recall
	TryInvert bool     `json:"try_invert" yaml:"try_invert"` // Retry with inverted luminance
}

// Allows reports whether format f is permitted by the hints
func (h DecodeHints) Allows(f Format) bool {
	if len(h.Formats) == 0 {
		return true
	}
	for _, x := range h.Formats {
		if x == f {
			return true
		}
	}
	return false
}

// DecodedPayload is a (format, text) pair produced by a decoder
type DecodedPayload struct {
	Format  Format `json:"format"`
	Text    string `json:"text"`
	Backend string `json:"backend"`
}

// Label renders the payload the way overlays show it
func (p *DecodedPayload) Label() string {
	if p == nil {
		return ""
	}
	return string(p.Format) + ": " + p.Text
}

// TrackedResult is one annotated detection in frame space
type TrackedResult struct {
	Sequence   uint64           `json:"sequence"`
	Label      string           `json:"label"`
	Confidence float32          `json:"confidence"`
	Box        geometry.Rect    `json:"box"`
	Region     geometry.RectInt `json:"region"`
	Payload    *DecodedPayload  `json:"payload,omitempty"`
}

// Title is the text drawn next to the box
func (r TrackedResult) Title() string {
	if r.Payload != nil {
		return r.Payload.Label()
	}
	return r.Label
}

// Snapshot is the tracker state handed to renderers
type Snapshot struct {
	Sequence  uint64          `json:"sequence"`
	Results   []TrackedResult `json:"results"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ResultsChanged is published after the tracker accepts a batch
type ResultsChanged struct {
	Sequence uint64
	Snapshot Snapshot
}

// SchedulerStats contains frame admission counters
type SchedulerStats struct {
	Admitted     uint64 `json:"admitted"`
	Dropped      uint64 `json:"dropped"`
	Gated        uint64 `json:"gated"`
	LastSequence uint64 `json:"last_sequence"`
	Busy         bool   `json:"busy"`
	Panics       uint64 `json:"panics"`
}

// PipelineStats contains per-pass performance counters
type PipelineStats struct {
	FramesProcessed uint64    `json:"frames_processed"`
	Detections      uint64    `json:"detections"`
	Filtered        uint64    `json:"filtered"`
	EmptyRegions    uint64    `json:"empty_regions"`
	Decoded         uint64    `json:"decoded"`
	DecodeTimeouts  uint64    `json:"decode_timeouts"`
	InferenceErrors uint64    `json:"inference_errors"`
	AvgInferenceMs  float32   `json:"avg_inference_ms"`
	LastFrameTime   time.Time `json:"last_frame_time"`
}
