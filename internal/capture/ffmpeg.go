// Package capture produces camera frames and offers them to the scheduler.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

// Sink accepts frames. FrameScheduler satisfies it. The buffer passed to
// Admit is reused for the next frame, so the sink must copy.
type Sink interface {
	Admit(pixels []byte, width, height int) bool
}

// Config describes one capture source
type Config struct {
	Device string // rtsp://, http(s)://, a V4L2 device or a video file
	Width  int
	Height int
	FPS    int
}

// Stats counts frames seen by the producer
type Stats struct {
	FramesCaptured uint64 `json:"frames_captured"`
	FramesAdmitted uint64 `json:"frames_admitted"`
	FramesRejected uint64 `json:"frames_rejected"`
	LastFrameTime  int64  `json:"last_frame_time"`
}

// Source runs ffmpeg (or polls an HTTP snapshot endpoint) and offers
// every decoded RGBA frame to its sink.
type Source struct {
	log    logs.Log
	config Config
	sink   Sink

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	stats   Stats
	statsMu sync.RWMutex
}

// NewSource validates the config and returns a stopped source
func NewSource(log logs.Log, config Config, sink Sink) (*Source, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("capture device is required")
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", config.Width, config.Height)
	}
	if config.FPS <= 0 {
		config.FPS = 10
	}
	return &Source{
		log:    log,
		config: config,
		sink:   sink,
	}, nil
}

// Start begins capturing on a background goroutine
func (s *Source) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("capture already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer s.running.Store(false)
		var err error
		if s.isHTTPImageEndpoint() {
			err = s.pollHTTPImages(ctx)
		} else {
			err = s.runFFmpeg(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("[Capture] %s stopped: %v", s.config.Device, err)
		}
	}()

	s.log.Infof("[Capture] Started %s (%dx%d @ %d fps)", s.config.Device, s.config.Width, s.config.Height, s.config.FPS)
	return nil
}

// Stop cancels capture and waits for the loop to exit
func (s *Source) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Infof("[Capture] Stopped %s", s.config.Device)
}

func (s *Source) IsRunning() bool {
	return s.running.Load()
}

// GetStats returns a copy of the counters
func (s *Source) GetStats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Source) isHTTPImageEndpoint() bool {
	d := s.config.Device
	return (strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://")) &&
		(strings.Contains(d, ".jpg") || strings.Contains(d, ".jpeg") || strings.Contains(d, "snapshot"))
}

// ffmpegArgs builds the command line. Output is always raw RGBA scaled to
// the configured size, so every frame is exactly width*height*4 bytes.
func (s *Source) ffmpegArgs() []string {
	c := s.config
	size := fmt.Sprintf("%dx%d", c.Width, c.Height)
	output := []string{
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", size,
		"-r", fmt.Sprintf("%d", c.FPS),
		"-",
	}

	var input []string
	switch {
	case strings.HasPrefix(c.Device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", c.Device}
	case strings.HasPrefix(c.Device, "http://"), strings.HasPrefix(c.Device, "https://"):
		input = []string{"-i", c.Device}
	case strings.HasPrefix(c.Device, "/dev/video"):
		input = []string{
			"-f", "v4l2",
			"-video_size", size,
			"-framerate", fmt.Sprintf("%d", c.FPS),
			"-i", c.Device,
		}
	default:
		// Recorded file, played back in real time
		input = []string{"-re", "-i", c.Device}
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args, output...)
}

func (s *Source) runFFmpeg(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", s.ffmpegArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Debugf("[Capture] ffmpeg: %s", scanner.Text())
		}
	}()

	readErr := s.readRawFrames(ctx, stdout)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil {
		return readErr
	}
	return waitErr
}

// readRawFrames reads fixed-size RGBA frames from r into a single reused
// buffer until EOF or cancellation.
func (s *Source) readRawFrames(ctx context.Context, r io.Reader) error {
	w, h := s.config.Width, s.config.Height
	buf := make([]byte, w*h*4)
	br := bufio.NewReaderSize(r, 1<<20)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warnf("[Capture] Truncated final frame from %s", s.config.Device)
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		s.offer(buf, w, h)
	}
}

func (s *Source) pollHTTPImages(ctx context.Context) error {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(s.config.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var rgba *image.RGBA
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			img, err := s.fetchJPEG(ctx, client)
			if err != nil {
				s.log.Warnf("[Capture] Error fetching frame from %s: %v", s.config.Device, err)
				continue
			}
			b := img.Bounds()
			if rgba == nil || rgba.Rect.Dx() != b.Dx() || rgba.Rect.Dy() != b.Dy() {
				rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
			}
			draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
			s.offer(rgba.Pix, b.Dx(), b.Dy())
		}
	}
}

func (s *Source) fetchJPEG(ctx context.Context, client *http.Client) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.Device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return jpeg.Decode(resp.Body)
}

func (s *Source) offer(pixels []byte, w, h int) {
	admitted := s.sink.Admit(pixels, w, h)

	s.statsMu.Lock()
	s.stats.FramesCaptured++
	if admitted {
		s.stats.FramesAdmitted++
	} else {
		s.stats.FramesRejected++
	}
	s.stats.LastFrameTime = time.Now().Unix()
	captured := s.stats.FramesCaptured
	s.statsMu.Unlock()

	if captured%500 == 0 {
		s.log.Debugf("[Capture] %s: %d frames", s.config.Device, captured)
	}
}
