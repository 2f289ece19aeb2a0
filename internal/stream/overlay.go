// Package stream renders tracker results as a transparent overlay image.
package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/cyclopcam/logs"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"keydot/internal/pipeline"
)

var (
	colorDecoded   = color.RGBA{0, 255, 0, 255}   // Green for decoded symbols
	colorUndecoded = color.RGBA{255, 165, 0, 255} // Orange for detections without payload
	colorLabelBg   = color.RGBA{0, 0, 0, 180}
)

// Overlay keeps the latest snapshot and renders it on request. It is a
// pipeline.OverlayProvider.
type Overlay struct {
	log       logs.Log
	width     int
	height    int
	thickness int

	mu       sync.Mutex
	snapshot pipeline.Snapshot
	rendered []byte // PNG of snapshot, nil until first request
}

// NewOverlay creates an overlay for frames of the given size
func NewOverlay(log logs.Log, width, height int) *Overlay {
	return &Overlay{
		log:       log,
		width:     width,
		height:    height,
		thickness: 2,
	}
}

// UpdateResults implements pipeline.OverlayProvider
func (o *Overlay) UpdateResults(seq uint64, snapshot pipeline.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq < o.snapshot.Sequence {
		o.log.Debugf("[Overlay] Dropping stale results %d < %d", seq, o.snapshot.Sequence)
		return
	}
	o.snapshot = snapshot
	o.rendered = nil
}

// CurrentSequence implements pipeline.OverlayProvider
func (o *Overlay) CurrentSequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot.Sequence
}

// PNG returns the encoded overlay for the current snapshot
func (o *Overlay) PNG() ([]byte, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.rendered == nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, o.render(o.snapshot)); err != nil {
			return nil, 0, fmt.Errorf("encode overlay: %w", err)
		}
		o.rendered = buf.Bytes()
	}
	return o.rendered, o.snapshot.Sequence, nil
}

// Render draws a snapshot onto a transparent frame-sized image
func (o *Overlay) Render(snapshot pipeline.Snapshot) *image.RGBA {
	return o.render(snapshot)
}

func (o *Overlay) render(snapshot pipeline.Snapshot) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, o.width, o.height))
	for _, r := range snapshot.Results {
		c := colorUndecoded
		label := r.Title()
		if r.Payload != nil {
			c = colorDecoded
		} else {
			label = fmt.Sprintf("%s %.0f%%", label, r.Confidence*100)
		}

		x := int(math.Round(r.Box.Left))
		y := int(math.Round(r.Box.Top))
		w := int(math.Round(r.Box.Width()))
		h := int(math.Round(r.Box.Height()))
		drawBox(img, x, y, w, h, c, o.thickness)
		drawLabel(img, x, y-15, label, c)
	}
	return img
}

// ServeHTTP serves the overlay as image/png on /overlay.png
func (o *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, seq, err := o.PNG()
	if err != nil {
		o.log.Errorf("[Overlay] %v", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Result-Sequence", strconv.FormatUint(seq, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// drawBox draws a rectangle outline, clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(x, y, x+w, y+thickness),     // top
		image.Rect(x, y+h-thickness, x+w, y+h), // bottom
		image.Rect(x, y, x+thickness, y+h),     // left
		image.Rect(x+w-thickness, y, x+w, y+h), // right
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel draws text on a translucent background. The label is moved
// inside the image when it would fall off the top or left edge.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 2 {
		y = 2
	}
	if x < 2 {
		x = 2
	}

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, label).Ceil()
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(colorLabelBg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
