package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"golang.org/x/image/draw"

	"keydot/internal/geometry"
)

// Config holds the session settings of a Pipeline. They are fixed at start.
type Config struct {
	FrameWidth     int
	FrameHeight    int
	CropSize       int
	Rotation       float64
	MaintainAspect bool
	MinConfidence  float32
	Extractor      RegionExtractor
	Hints          DecodeHints
	DecodeTimeout  time.Duration // Per detection; 0 disables the limit
	InferTimeout   time.Duration // 0 disables the limit
}

// Validate checks the settings that do not depend on the transform
func (c *Config) Validate() error {
	if c.CropSize <= 0 {
		return &ConfigurationError{Field: "crop_size", Reason: "must be positive"}
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return &ConfigurationError{Field: "min_confidence", Reason: fmt.Sprintf("%v is outside [0,1]", c.MinConfidence)}
	}
	if c.Extractor.Padding < 0 {
		return &ConfigurationError{Field: "padding", Reason: "must not be negative"}
	}
	switch c.Extractor.Mode {
	case MappingInverse, MappingScale:
	default:
		return &ConfigurationError{Field: "mapping_mode", Reason: fmt.Sprintf("unknown mode %q", c.Extractor.Mode)}
	}
	if c.DecodeTimeout < 0 || c.InferTimeout < 0 {
		return &ConfigurationError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// Pipeline runs one admitted frame through crop, inference, filtering,
// extraction, decoding and tracking. Process is run by the FrameScheduler and
// must not be called concurrently.
type Pipeline struct {
	log      logs.Log
	cfg      Config
	model    Model
	decoder  RegionDecoder
	tracker  *ResultTracker
	eventBus *EventBus
	observer RegionObserver

	transform atomic.Pointer[geometry.Transform]
	crop      *image.RGBA

	stats          PipelineStats
	statsMu        sync.RWMutex
	lastInferErrAt time.Time
}

// NewPipeline builds the session transform and validates cfg.
// eventBus may be nil.
func NewPipeline(log logs.Log, cfg Config, model Model, decoder RegionDecoder, tracker *ResultTracker, eventBus *EventBus) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, &ConfigurationError{Field: "model", Reason: "no detection model"}
	}
	if decoder == nil || tracker == nil {
		return nil, &ConfigurationError{Field: "pipeline", Reason: "decoder and tracker are required"}
	}
	if cfg.Extractor.ModelInputSize == 0 {
		cfg.Extractor.ModelInputSize = cfg.CropSize
	}

	xf, err := geometry.BuildTransform(cfg.FrameWidth, cfg.FrameHeight, cfg.CropSize, cfg.CropSize, cfg.Rotation, cfg.MaintainAspect)
	if err != nil {
		return nil, fmt.Errorf("failed to build transform: %w", err)
	}

	p := &Pipeline{
		log:      log,
		cfg:      cfg,
		model:    model,
		decoder:  decoder,
		tracker:  tracker,
		eventBus: eventBus,
		crop:     image.NewRGBA(image.Rect(0, 0, cfg.CropSize, cfg.CropSize)),
	}
	p.transform.Store(xf)

	log.Infof("[Pipeline] Session %dx%d -> %d (rotation %v, maintain aspect %v, min confidence %.2f, padding %d, mapping %s)",
		cfg.FrameWidth, cfg.FrameHeight, cfg.CropSize, cfg.Rotation, cfg.MaintainAspect,
		cfg.MinConfidence, cfg.Extractor.Padding, cfg.Extractor.Mode)
	return p, nil
}

// SetRegionObserver installs an observer for extracted regions
func (p *Pipeline) SetRegionObserver(observer RegionObserver) {
	p.observer = observer
}

// Transform returns the current frame-to-crop transform
func (p *Pipeline) Transform() *geometry.Transform {
	return p.transform.Load()
}

// Tracker returns the result tracker fed by this pipeline
func (p *Pipeline) Tracker() *ResultTracker {
	return p.tracker
}

// Process is the FrameScheduler work function
func (p *Pipeline) Process(ctx context.Context, frame *Frame) {
	start := time.Now()

	xf, err := p.transformFor(frame)
	if err != nil {
		p.log.Errorf("[Pipeline] Frame %d skipped: %v", frame.Sequence, err)
		return
	}

	p.warp(frame, xf)

	inferStart := time.Now()
	dets, err := p.infer(ctx)
	inferMs := float32(time.Since(inferStart).Microseconds()) / 1000
	if err != nil {
		p.inferenceFailed(frame.Sequence, err)
		dets = nil
	}

	kept := FilterDetections(dets, p.cfg.MinConfidence)

	results := make([]TrackedResult, 0, len(kept))
	var emptyRegions, decoded, timeouts uint64
	for i, det := range kept {
		frameBox := p.cfg.Extractor.ToFrameBox(*det.Box, frame.Width, frame.Height, xf)
		result := TrackedResult{
			Sequence:   frame.Sequence,
			Label:      det.Label,
			Confidence: det.Confidence,
			Box:        frameBox,
		}

		region, err := p.cfg.Extractor.Extract(frame, frameBox)
		result.Region = region.Rect
		if errors.Is(err, ErrEmptyRegion) {
			emptyRegions++
			results = append(results, result)
			continue
		}

		payload, err := p.decode(ctx, region)
		if errors.Is(err, ErrDecodeTimeout) {
			timeouts++
			p.log.Warnf("[Pipeline] Frame %d detection %d discarded: %v", frame.Sequence, i, err)
			continue
		}
		if payload != nil {
			decoded++
			result.Payload = payload
		}
		if p.observer != nil {
			p.observer.OnRegion(frame.Sequence, result, region)
		}
		results = append(results, result)
	}

	if p.tracker.Update(frame.Sequence, results) && p.eventBus != nil {
		p.eventBus.Publish(&ResultsChanged{
			Sequence: frame.Sequence,
			Snapshot: p.tracker.CurrentResults(),
		})
	}

	p.statsMu.Lock()
	p.stats.FramesProcessed++
	p.stats.Detections += uint64(len(dets))
	p.stats.Filtered += uint64(len(dets) - len(kept))
	p.stats.EmptyRegions += emptyRegions
	p.stats.Decoded += decoded
	p.stats.DecodeTimeouts += timeouts
	if p.stats.AvgInferenceMs == 0 {
		p.stats.AvgInferenceMs = inferMs
	} else {
		p.stats.AvgInferenceMs = (p.stats.AvgInferenceMs + inferMs) / 2
	}
	p.stats.LastFrameTime = frame.Timestamp
	p.statsMu.Unlock()

	p.log.Debugf("[Pipeline] Frame %d: %d detections, %d kept, %d decoded in %v",
		frame.Sequence, len(dets), len(kept), decoded, time.Since(start))
}

// Work adapts Process to the scheduler
func (p *Pipeline) Work() WorkFunc {
	return p.Process
}

// GetStats returns a copy of the pipeline counters
func (p *Pipeline) GetStats() PipelineStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// transformFor rebuilds the transform when the frame size changed
func (p *Pipeline) transformFor(frame *Frame) (*geometry.Transform, error) {
	xf := p.transform.Load()
	if xf.Same(frame.Width, frame.Height, p.cfg.CropSize, p.cfg.CropSize, p.cfg.Rotation, p.cfg.MaintainAspect) {
		return xf, nil
	}
	next, err := geometry.BuildTransform(frame.Width, frame.Height, p.cfg.CropSize, p.cfg.CropSize, p.cfg.Rotation, p.cfg.MaintainAspect)
	if err != nil {
		return nil, err
	}
	p.log.Infof("[Pipeline] Frame size changed to %dx%d, transform rebuilt", frame.Width, frame.Height)
	p.transform.Store(next)
	return next, nil
}

// warp renders the frame into the crop buffer with the forward transform
func (p *Pipeline) warp(frame *Frame, xf *geometry.Transform) {
	draw.Draw(p.crop, p.crop.Bounds(), image.Black, image.Point{}, draw.Src)
	src := frame.Image()
	draw.ApproxBiLinear.Transform(p.crop, xf.Aff3(), src, src.Bounds(), draw.Src, nil)
}

func (p *Pipeline) infer(ctx context.Context) (dets []Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrModelInference, r)
		}
	}()
	if p.cfg.InferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.InferTimeout)
		defer cancel()
	}
	dets, err = p.model.Infer(ctx, p.crop)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelInference, err)
	}
	return dets, nil
}

// inferenceFailed counts the failure and logs at most once per 5 seconds
func (p *Pipeline) inferenceFailed(seq uint64, err error) {
	p.statsMu.Lock()
	p.stats.InferenceErrors++
	shouldLog := time.Since(p.lastInferErrAt) > 5*time.Second
	if shouldLog {
		p.lastInferErrAt = time.Now()
	}
	n := p.stats.InferenceErrors
	p.statsMu.Unlock()

	if shouldLog {
		p.log.Warnf("[Pipeline] Frame %d: %v (%d failures so far)", seq, err, n)
	}
}

// decode runs the region decoder under the per-detection timeout
func (p *Pipeline) decode(ctx context.Context, region *Region) (*DecodedPayload, error) {
	if p.cfg.DecodeTimeout <= 0 {
		return p.decoder.DecodeRegion(ctx, region, p.cfg.Hints), nil
	}
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DecodeTimeout)
	defer cancel()
	payload := p.decoder.DecodeRegion(dctx, region, p.cfg.Hints)
	if payload == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("after %v: %w", p.cfg.DecodeTimeout, ErrDecodeTimeout)
	}
	return payload, nil
}
