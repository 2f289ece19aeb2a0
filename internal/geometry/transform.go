package geometry

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// ErrConfiguration is the sentinel for every invalid transform or pipeline
// setting detected at session start.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError names the offending setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Affine is a 2x3 affine matrix.
// [a b tx]
// [c d ty]
type Affine struct {
	A, B, TX float64
	C, D, TY float64
}

// Apply applies the transform to a point.
func (t Affine) Apply(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// MapRect maps the four corners of r and returns their bound.
func (t Affine) MapRect(r Rect) Rect {
	c := r.Corners()
	pts := make([]Point, len(c))
	for i, p := range c {
		pts[i] = t.Apply(p)
	}
	return Bound(pts)
}

// Transform maps between frame space and model (crop) space.
// It is immutable once built; rebuild it when any of its inputs change.
type Transform struct {
	SrcWidth, SrcHeight int
	DstWidth, DstHeight int
	Rotation            float64
	MaintainAspect      bool

	forward Affine
	inverse Affine
}

// BuildTransform creates the frame-to-crop mapping.
// The source center is moved to the origin, rotated, scaled, and moved to the
// destination center. With maintainAspect the smaller scale factor is used on
// both axes, leaving padding around the image.
func BuildTransform(srcW, srcH, dstW, dstH int, rotationDegrees float64, maintainAspect bool) (*Transform, error) {
	switch {
	case srcW <= 0 || srcH <= 0:
		return nil, &ConfigurationError{Field: "frame size", Reason: fmt.Sprintf("invalid source dimensions %dx%d", srcW, srcH)}
	case dstW <= 0 || dstH <= 0:
		return nil, &ConfigurationError{Field: "crop size", Reason: fmt.Sprintf("invalid destination dimensions %dx%d", dstW, dstH)}
	case math.IsNaN(rotationDegrees) || math.IsInf(rotationDegrees, 0):
		return nil, &ConfigurationError{Field: "rotation", Reason: "rotation must be finite"}
	}

	fw, fh := float64(srcW), float64(srcH)
	m := translation(-fw/2, -fh/2)
	m = mul(rotation(rotationDegrees), m)

	inW, inH := fw, fh
	if math.Mod(math.Abs(rotationDegrees)+90, 180) == 0 {
		inW, inH = fh, fw
	}
	sx := float64(dstW) / inW
	sy := float64(dstH) / inH
	if maintainAspect {
		s := math.Min(sx, sy)
		sx, sy = s, s
	}
	m = mul(scaling(sx, sy), m)
	m = mul(translation(float64(dstW)/2, float64(dstH)/2), m)

	var inv mat.Dense
	if math.Abs(mat.Det(m)) < 1e-12 {
		return nil, &ConfigurationError{Field: "transform", Reason: "degenerate scale"}
	}
	if err := inv.Inverse(m); err != nil {
		return nil, &ConfigurationError{Field: "transform", Reason: err.Error()}
	}

	return &Transform{
		SrcWidth:       srcW,
		SrcHeight:      srcH,
		DstWidth:       dstW,
		DstHeight:      dstH,
		Rotation:       rotationDegrees,
		MaintainAspect: maintainAspect,
		forward:        toAffine(m),
		inverse:        toAffine(&inv),
	}, nil
}

// ToModelSpace maps a frame-space point into crop space.
func (t *Transform) ToModelSpace(p Point) Point {
	return t.forward.Apply(p)
}

// ToFrameSpace maps a crop-space point back into frame space.
func (t *Transform) ToFrameSpace(p Point) Point {
	return t.inverse.Apply(p)
}

// MapRectToModel maps a frame-space box into crop space.
func (t *Transform) MapRectToModel(r Rect) Rect {
	return t.forward.MapRect(r)
}

// MapRectToFrame maps a crop-space box into frame space.
func (t *Transform) MapRectToFrame(r Rect) Rect {
	return t.inverse.MapRect(r)
}

// Aff3 returns the forward matrix in the form x/image/draw expects for a
// source-to-destination transform.
func (t *Transform) Aff3() f64.Aff3 {
	f := t.forward
	return f64.Aff3{f.A, f.B, f.TX, f.C, f.D, f.TY}
}

// Same reports whether t was built from the given inputs.
func (t *Transform) Same(srcW, srcH, dstW, dstH int, rotationDegrees float64, maintainAspect bool) bool {
	return t != nil && t.SrcWidth == srcW && t.SrcHeight == srcH && t.DstWidth == dstW &&
		t.DstHeight == dstH && t.Rotation == rotationDegrees && t.MaintainAspect == maintainAspect
}

func translation(tx, ty float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, tx,
		0, 1, ty,
		0, 0, 1,
	})
}

func rotation(degrees float64) *mat.Dense {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func scaling(sx, sy float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		sx, 0, 0,
		0, sy, 0,
		0, 0, 1,
	})
}

// mul returns a*b, i.e. b applied first.
func mul(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

func toAffine(m mat.Matrix) Affine {
	return Affine{
		A: m.At(0, 0), B: m.At(0, 1), TX: m.At(0, 2),
		C: m.At(1, 0), D: m.At(1, 1), TY: m.At(1, 2),
	}
}
