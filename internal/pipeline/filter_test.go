package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"keydot/internal/geometry"
)

func box(l, t, r, b float64) *geometry.Rect {
	rc := geometry.NewRect(l, t, r, b)
	return &rc
}

func TestFilterDetections(t *testing.T) {
	in := []Detection{
		{Label: "a", Confidence: 0.9, Box: box(0, 0, 1, 1)},
		{Label: "b", Confidence: 0.59, Box: box(0, 0, 1, 1)},
		{Label: "c", Confidence: 0.6, Box: box(0, 0, 1, 1)},
		{Label: "d", Confidence: 0.95},
		{Label: "e", Confidence: 0.7, Box: box(0, 0, 1, 1)},
	}
	out := FilterDetections(in, 0.6)
	require.Len(t, out, 3)
	require.Equal(t, "a", out[0].Label)
	require.Equal(t, "c", out[1].Label)
	require.Equal(t, "e", out[2].Label)
	require.Len(t, in, 5)

	require.Empty(t, FilterDetections(nil, 0.5))
	require.Len(t, FilterDetections(in, 0), 4)
}

func TestFilterDetectionsDropsNaN(t *testing.T) {
	nan := float32(math.NaN())
	dets := []Detection{
		{Label: "nan", Confidence: nan, Box: box(0, 0, 1, 1)},
		{Label: "ok", Confidence: 0.7, Box: box(0, 0, 1, 1)},
	}
	kept := FilterDetections(dets, 0.6)
	require.Len(t, kept, 1)
	require.Equal(t, "ok", kept[0].Label)
	require.Empty(t, FilterDetections(dets[:1], 0))
}
