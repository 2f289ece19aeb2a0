package geometry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransformRoundTrip(t *testing.T) {
	cases := []struct {
		srcW, srcH, dstW, dstH int
		rotation               float64
		aspect                 bool
	}{
		{640, 480, 320, 320, 0, true},
		{640, 480, 320, 320, 0, false},
		{640, 480, 320, 320, 90, true},
		{3840, 2160, 320, 320, 90, true},
		{3840, 2160, 320, 320, -90, false},
		{1280, 720, 300, 200, 180, true},
		{1280, 720, 300, 200, 270, false},
		{500, 500, 320, 320, 30, true},
	}
	for _, c := range cases {
		xf, err := BuildTransform(c.srcW, c.srcH, c.dstW, c.dstH, c.rotation, c.aspect)
		require.NoError(t, err)
		for x := 0.0; x <= float64(c.srcW); x += float64(c.srcW) / 7 {
			for y := 0.0; y <= float64(c.srcH); y += float64(c.srcH) / 5 {
				p := Point{X: x, Y: y}
				back := xf.ToFrameSpace(xf.ToModelSpace(p))
				require.InDelta(t, p.X, back.X, 1e-3, "case %+v point %v", c, p)
				require.InDelta(t, p.Y, back.Y, 1e-3, "case %+v point %v", c, p)
			}
		}
	}
}

func TestTransformMaintainAspectCenters(t *testing.T) {
	xf, err := BuildTransform(640, 480, 320, 320, 0, true)
	require.NoError(t, err)

	// Uniform scale of 0.5, vertical padding of 40px top and bottom.
	p := xf.ToModelSpace(Point{X: 0, Y: 0})
	require.InDelta(t, 0, p.X, 1e-9)
	require.InDelta(t, 40, p.Y, 1e-9)
	p = xf.ToModelSpace(Point{X: 640, Y: 480})
	require.InDelta(t, 320, p.X, 1e-9)
	require.InDelta(t, 280, p.Y, 1e-9)

	box := xf.MapRectToFrame(NewRect(100, 100, 200, 200))
	require.InDelta(t, 200, box.Left, 1e-9)
	require.InDelta(t, 120, box.Top, 1e-9)
	require.InDelta(t, 400, box.Right, 1e-9)
	require.InDelta(t, 320, box.Bottom, 1e-9)
}

func TestTransformStretchFillsDestination(t *testing.T) {
	xf, err := BuildTransform(640, 480, 320, 320, 0, false)
	require.NoError(t, err)
	p := xf.ToModelSpace(Point{X: 640, Y: 480})
	require.InDelta(t, 320, p.X, 1e-9)
	require.InDelta(t, 320, p.Y, 1e-9)
}

func TestTransformRotationSwapsAxes(t *testing.T) {
	xf, err := BuildTransform(640, 480, 480, 640, 90, false)
	require.NoError(t, err)
	// After a quarter turn the frame exactly covers the destination.
	r := xf.MapRectToModel(NewRect(0, 0, 640, 480))
	require.InDelta(t, 0, r.Left, 1e-6)
	require.InDelta(t, 0, r.Top, 1e-6)
	require.InDelta(t, 480, r.Right, 1e-6)
	require.InDelta(t, 640, r.Bottom, 1e-6)
}

func TestTransformRejectsZeroDimensions(t *testing.T) {
	for _, dims := range [][4]int{{0, 480, 320, 320}, {640, 0, 320, 320}, {640, 480, 0, 320}, {640, 480, 320, -1}} {
		_, err := BuildTransform(dims[0], dims[1], dims[2], dims[3], 0, true)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrConfiguration))
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
	}
}

func TestRectIOU(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	b := NewRect(5, 5, 15, 15)
	require.InDelta(t, 25.0/175.0, a.IOU(b), 1e-9)
	require.Equal(t, 0.0, a.IOU(NewRect(20, 20, 30, 30)))
}
