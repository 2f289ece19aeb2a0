// Package geometry provides the coordinate types and transforms shared by the
// frame pipeline.
package geometry

import (
	"image"
	"math"
)

// Point represents a 2D point with floating-point coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box given by its edges.
// Left/Top are inclusive, Right/Bottom exclusive when rounded to pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// NewRect creates a Rect from two corners.
func NewRect(left, top, right, bottom float64) Rect {
	return Rect{Left: left, Top: top, Right: right, Bottom: bottom}
}

func (r Rect) Width() float64 {
	return r.Right - r.Left
}

func (r Rect) Height() float64 {
	return r.Bottom - r.Top
}

func (r Rect) Area() float64 {
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return 0
	}
	return r.Width() * r.Height()
}

// Corners returns the four corners, clockwise from the top-left.
func (r Rect) Corners() [4]Point {
	return [4]Point{
		{X: r.Left, Y: r.Top},
		{X: r.Right, Y: r.Top},
		{X: r.Right, Y: r.Bottom},
		{X: r.Left, Y: r.Bottom},
	}
}

// Intersection returns the overlap of two rectangles (zero area if disjoint).
func (r Rect) Intersection(b Rect) Rect {
	out := Rect{
		Left:   math.Max(r.Left, b.Left),
		Top:    math.Max(r.Top, b.Top),
		Right:  math.Min(r.Right, b.Right),
		Bottom: math.Min(r.Bottom, b.Bottom),
	}
	if out.Right < out.Left {
		out.Right = out.Left
	}
	if out.Bottom < out.Top {
		out.Bottom = out.Top
	}
	return out
}

// IOU is intersection over union.
func (r Rect) IOU(b Rect) float64 {
	inter := r.Intersection(b).Area()
	union := r.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Bound returns the axis-aligned bounding box of a set of points.
func Bound(points []Point) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	r := Rect{Left: points[0].X, Top: points[0].Y, Right: points[0].X, Bottom: points[0].Y}
	for _, p := range points[1:] {
		r.Left = math.Min(r.Left, p.X)
		r.Top = math.Min(r.Top, p.Y)
		r.Right = math.Max(r.Right, p.X)
		r.Bottom = math.Max(r.Bottom, p.Y)
	}
	return r
}

// RectInt is an integer pixel rectangle [Left,Right) x [Top,Bottom).
type RectInt struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

func (r RectInt) Width() int {
	return r.Right - r.Left
}

func (r RectInt) Height() int {
	return r.Bottom - r.Top
}

func (r RectInt) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// ImageRect converts to the standard library rectangle type.
func (r RectInt) ImageRect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Right, r.Bottom)
}

// Normalize collapses inverted edges so that Left <= Right and Top <= Bottom
func (r RectInt) Normalize() RectInt {
	if r.Right < r.Left {
		r.Right = r.Left
	}
	if r.Bottom < r.Top {
		r.Bottom = r.Top
	}
	return r
}
