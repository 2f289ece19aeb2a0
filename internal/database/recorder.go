package database

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"

	"keydot/internal/pipeline"
)

const cropCounterKey = "crop_counter"

// RecorderConfig controls what gets persisted
type RecorderConfig struct {
	CropDir     string        // Empty disables crop files
	OnlyDecoded bool          // Skip detections without a payload
	DedupWindow time.Duration // Same payload within the window is recorded once
	QueueSize   int
}

// RecorderStats counts recorder outcomes
type RecorderStats struct {
	Recorded   uint64 `json:"recorded"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
	Errors     uint64 `json:"errors"`
}

type recordJob struct {
	seq    uint64
	result pipeline.TrackedResult
	crop   *image.RGBA
	at     time.Time
}

// Recorder is a pipeline.RegionObserver that writes decode events and
// crop PNGs on a background goroutine. OnRegion never blocks the pipeline.
type Recorder struct {
	log       logs.Log
	db        *Database
	config    RecorderConfig
	sessionID string

	jobs chan recordJob
	done chan struct{}

	counter  uint64 // Crop file counter, persisted in app_config
	lastSeen map[string]time.Time
	dedupMu  sync.Mutex

	recorded   atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	errors     atomic.Uint64

	closeOnce sync.Once
}

// NewRecorder starts the writer goroutine
func NewRecorder(log logs.Log, db *Database, config RecorderConfig) (*Recorder, error) {
	if config.QueueSize <= 0 {
		config.QueueSize = 32
	}
	if config.CropDir != "" {
		if err := os.MkdirAll(config.CropDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create crop dir: %w", err)
		}
	}
	counter, err := db.GetConfigUint(cropCounterKey)
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		log:       log,
		db:        db,
		config:    config,
		sessionID: uuid.NewString(),
		jobs:      make(chan recordJob, config.QueueSize),
		done:      make(chan struct{}),
		counter:   counter,
		lastSeen:  make(map[string]time.Time),
	}
	go r.run()

	log.Infof("[Recorder] Session %s, crops in %q, counter at %d", r.sessionID, config.CropDir, counter)
	return r, nil
}

// SessionID identifies events recorded by this process
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// OnRegion implements pipeline.RegionObserver. The region pixels are copied
// before the call returns.
func (r *Recorder) OnRegion(seq uint64, result pipeline.TrackedResult, region *pipeline.Region) {
	if r.config.OnlyDecoded && result.Payload == nil {
		return
	}
	now := time.Now()
	if result.Payload != nil && r.isDuplicate(result.Payload, now) {
		r.duplicates.Add(1)
		return
	}

	job := recordJob{seq: seq, result: result, at: now}
	if r.config.CropDir != "" && region != nil && region.Image != nil {
		job.crop = image.NewRGBA(region.Image.Bounds())
		draw.Draw(job.crop, job.crop.Rect, region.Image, region.Image.Rect.Min, draw.Src)
	}

	select {
	case r.jobs <- job:
	default:
		r.dropped.Add(1)
		r.log.Warnf("[Recorder] Queue full, dropping region from frame %d", seq)
	}
}

func (r *Recorder) isDuplicate(p *pipeline.DecodedPayload, now time.Time) bool {
	if r.config.DedupWindow <= 0 {
		return false
	}
	key := string(p.Format) + "\x00" + p.Text

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if last, ok := r.lastSeen[key]; ok && now.Sub(last) < r.config.DedupWindow {
		return true
	}
	r.lastSeen[key] = now
	for k, t := range r.lastSeen {
		if now.Sub(t) >= r.config.DedupWindow {
			delete(r.lastSeen, k)
		}
	}
	return false
}

func (r *Recorder) run() {
	defer close(r.done)
	for job := range r.jobs {
		if err := r.write(job); err != nil {
			r.errors.Add(1)
			r.log.Errorf("[Recorder] %v", err)
			continue
		}
		r.recorded.Add(1)
	}
}

func (r *Recorder) write(job recordJob) error {
	event := &DecodeEventRecord{
		ID:         uuid.NewString(),
		SessionID:  r.sessionID,
		Sequence:   job.seq,
		Timestamp:  job.at,
		Label:      job.result.Label,
		Confidence: float64(job.result.Confidence),
		Box:        job.result.Box,
		Region:     job.result.Region,
	}
	if p := job.result.Payload; p != nil {
		event.Format = string(p.Format)
		event.Text = p.Text
		event.Backend = p.Backend
	}

	if job.crop != nil {
		path, err := r.saveCrop(job.crop)
		if err != nil {
			return err
		}
		event.CropPath = path
	}
	return r.db.SaveDecodeEvent(event)
}

// saveCrop writes crop_<n>.png with the next counter value
func (r *Recorder) saveCrop(img *image.RGBA) (string, error) {
	r.counter++
	path := filepath.Join(r.config.CropDir, fmt.Sprintf("crop_%06d.png", r.counter))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create crop file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode crop: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write crop: %w", err)
	}

	if err := r.db.SaveConfig(cropCounterKey, strconv.FormatUint(r.counter, 10)); err != nil {
		r.log.Warnf("[Recorder] Failed to persist crop counter: %v", err)
	}
	return path, nil
}

// Stats returns a snapshot of the counters
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded:   r.recorded.Load(),
		Duplicates: r.duplicates.Load(),
		Dropped:    r.dropped.Load(),
		Errors:     r.errors.Load(),
	}
}

// Close stops accepting regions and waits for queued writes. OnRegion must
// not be called after Close.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.jobs) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ pipeline.RegionObserver = (*Recorder)(nil)
