package pipeline

import (
	"fmt"
	"image"
	"math"

	"keydot/internal/geometry"
)

// RegionExtractor cuts padded, clamped regions out of frames
type RegionExtractor struct {
	Mode           MappingMode
	Padding        int  // Pixels added on every side of the box
	ModelInputSize int  // Crop size, used by MappingScale
	Invert         bool // Invert luminance of extracted regions
}

// ToFrameBox maps a crop-space box into frame space. MappingScale, or a nil
// transform, uses the fixed factors frameDim / ModelInputSize on each axis.
func (e *RegionExtractor) ToFrameBox(box geometry.Rect, frameW, frameH int, xf *geometry.Transform) geometry.Rect {
	if e.Mode != MappingScale && xf != nil {
		return xf.MapRectToFrame(box)
	}
	size := float64(e.ModelInputSize)
	if size <= 0 {
		return box
	}
	sx := float64(frameW) / size
	sy := float64(frameH) / size
	return geometry.Rect{
		Left:   box.Left * sx,
		Top:    box.Top * sy,
		Right:  box.Right * sx,
		Bottom: box.Bottom * sy,
	}
}

// Bounds pads box and clamps it to a width x height frame.
// The result always satisfies 0 <= Left <= Right <= width and the same for Y.
func (e *RegionExtractor) Bounds(box geometry.Rect, width, height int) geometry.RectInt {
	pad := float64(e.Padding)
	return geometry.RectInt{
		Left:   clampEdge(box.Left-pad, 0, width),
		Top:    clampEdge(box.Top-pad, 0, height),
		Right:  clampEdge(box.Right+pad, 0, width),
		Bottom: clampEdge(box.Bottom+pad, 0, height),
	}.Normalize()
}

// Extract copies the padded region around a frame-space box.
// A zero-sized result is returned together with ErrEmptyRegion.
func (e *RegionExtractor) Extract(frame *Frame, box geometry.Rect) (*Region, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return &Region{}, fmt.Errorf("no frame: %w", ErrEmptyRegion)
	}
	if len(frame.Pixels) < frame.Width*frame.Height*4 {
		return &Region{}, fmt.Errorf("short pixel buffer %d for %dx%d: %w", len(frame.Pixels), frame.Width, frame.Height, ErrEmptyRegion)
	}

	r := e.Bounds(box, frame.Width, frame.Height)
	if r.Empty() {
		return &Region{Rect: r}, ErrEmptyRegion
	}

	w, h := r.Width(), r.Height()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	stride := frame.Width * 4
	for y := 0; y < h; y++ {
		src := frame.Pixels[(r.Top+y)*stride+r.Left*4 : (r.Top+y)*stride+r.Right*4]
		copy(img.Pix[y*img.Stride:y*img.Stride+w*4], src)
	}
	if e.Invert {
		InvertRGBA(img)
	}
	return &Region{Rect: r, Image: img}, nil
}

// InvertRGBA inverts the colour channels in place and leaves alpha untouched
func InvertRGBA(img *image.RGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			row[i] = 255 - row[i]
			row[i+1] = 255 - row[i+1]
			row[i+2] = 255 - row[i+2]
		}
	}
}

func clampEdge(v float64, lo, hi int) int {
	if math.IsNaN(v) {
		return lo
	}
	v = math.Round(v)
	if v < float64(lo) {
		return lo
	}
	if v > float64(hi) {
		return hi
	}
	return int(v)
}
