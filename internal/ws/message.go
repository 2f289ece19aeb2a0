package ws

import (
	"time"

	"keydot/internal/pipeline"
)

// ResultsMessage is broadcast whenever the tracker accepts a new batch
type ResultsMessage struct {
	Type        string         `json:"type"` // "results"
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	FrameWidth  int            `json:"frame_width"`
	FrameHeight int            `json:"frame_height"`
	Results     []ResultObject `json:"results"`
}

// ResultObject is a single tracked detection
type ResultObject struct {
	Label      string    `json:"label"`
	Title      string    `json:"title"`            // What overlays draw next to the box
	Confidence float32   `json:"confidence"`       // 0.0-1.0
	BBox       []float64 `json:"bbox"`             // [x, y, w, h] in frame pixels
	Region     []int     `json:"region"`           // [x, y, w, h] decoded crop
	Format     string    `json:"format,omitempty"` // Set when a payload was decoded
	Text       string    `json:"text,omitempty"`
	Backend    string    `json:"backend,omitempty"`
}

// NewResultsMessage converts a tracker snapshot into a wire message
func NewResultsMessage(snap pipeline.Snapshot, frameWidth, frameHeight int) *ResultsMessage {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	m := &ResultsMessage{
		Type:        "results",
		Sequence:    snap.Sequence,
		Timestamp:   ts,
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Results:     make([]ResultObject, 0, len(snap.Results)),
	}
	for _, r := range snap.Results {
		m.AddResult(r)
	}
	return m
}

// AddResult appends one tracked result
func (m *ResultsMessage) AddResult(r pipeline.TrackedResult) {
	obj := ResultObject{
		Label:      r.Label,
		Title:      r.Title(),
		Confidence: r.Confidence,
		BBox:       []float64{r.Box.Left, r.Box.Top, r.Box.Width(), r.Box.Height()},
		Region:     []int{r.Region.Left, r.Region.Top, r.Region.Width(), r.Region.Height()},
	}
	if r.Payload != nil {
		obj.Format = string(r.Payload.Format)
		obj.Text = r.Payload.Text
		obj.Backend = r.Payload.Backend
	}
	m.Results = append(m.Results, obj)
}
