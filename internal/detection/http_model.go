// Package detection talks to the external symbol detection model service.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/cyclopcam/logs"

	"keydot/internal/geometry"
	"keydot/internal/pipeline"
)

// HTTPModelConfig holds configuration for the model service
type HTTPModelConfig struct {
	Endpoint      string
	ConfThreshold float32 // Sent to the service; the pipeline filters again
	Timeout       time.Duration
	JPEGQuality   int
}

// wireDetection is one detection as returned by the service
type wireDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2] in crop pixels
}

// detectResponse is the full detection response
type detectResponse struct {
	Detections      []wireDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// HTTPModel posts each crop to the model service's /detect endpoint
type HTTPModel struct {
	log    logs.Log
	config HTTPModelConfig
	client *http.Client

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time
	lastDevice  string
}

// NewHTTPModel creates a new model client
func NewHTTPModel(log logs.Log, config HTTPModelConfig) *HTTPModel {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 90
	}
	return &HTTPModel{
		log:    log,
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (m *HTTPModel) Name() string {
	return "http:" + m.config.Endpoint
}

// IsHealthy checks GET /health, caching a positive answer for 30 seconds
func (m *HTTPModel) IsHealthy() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()

	if m.healthy && time.Since(m.healthCheck) < 30*time.Second {
		return true
	}

	resp, err := m.client.Get(m.config.Endpoint + "/health")
	if err != nil {
		if m.healthy || m.healthCheck.IsZero() {
			m.log.Warnf("[Model] Health check failed: %v", err)
		}
		m.healthy = false
		m.healthCheck = time.Now()
		return false
	}
	defer resp.Body.Close()

	m.healthy = resp.StatusCode == http.StatusOK
	m.healthCheck = time.Now()
	if !m.healthy {
		m.log.Warnf("[Model] Health check returned status %d", resp.StatusCode)
	}
	return m.healthy
}

// Infer encodes the crop as JPEG and posts it as multipart form data
func (m *HTTPModel) Infer(ctx context.Context, crop image.Image) ([]pipeline.Detection, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="crop.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if err := jpeg.Encode(fw, crop, &jpeg.Options{Quality: m.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", m.config.ConfThreshold))
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		m.markUnhealthy()
		return nil, fmt.Errorf("%w: %v", pipeline.ErrModelInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", pipeline.ErrModelInference, resp.StatusCode, bytes.TrimSpace(body))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", pipeline.ErrModelInference, err)
	}
	m.noteDevice(result.Device)

	return toDetections(result.Detections), nil
}

func (m *HTTPModel) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

func (m *HTTPModel) markUnhealthy() {
	m.healthMu.Lock()
	m.healthy = false
	m.healthMu.Unlock()
}

func (m *HTTPModel) noteDevice(device string) {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if device != "" && device != m.lastDevice {
		m.log.Infof("[Model] Inference running on %s", device)
		m.lastDevice = device
	}
}

// toDetections converts wire detections. A malformed bbox gives a
// detection with no box, which the filter drops.
func toDetections(in []wireDetection) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(in))
	for _, d := range in {
		det := pipeline.Detection{
			Label:      d.Class,
			Confidence: d.Confidence,
		}
		if len(d.BBox) == 4 {
			r := geometry.NewRect(float64(d.BBox[0]), float64(d.BBox[1]), float64(d.BBox[2]), float64(d.BBox[3]))
			det.Box = &r
		}
		out = append(out, det)
	}
	return out
}

var _ pipeline.Model = (*HTTPModel)(nil)
