package strategies

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keydot/internal/pipeline"
)

func TestFactoryModes(t *testing.T) {
	f := NewGateFactory(2 * time.Second)

	g, err := f.Create("", 0)
	require.NoError(t, err)
	require.Equal(t, "continuous", g.Name())

	g, err = f.Create(pipeline.AdmissionModeInterval, 0)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, g.(*IntervalGate).interval)

	g, err = f.Create(pipeline.AdmissionModePaused, 0)
	require.NoError(t, err)
	require.False(t, g.ShouldAdmit(time.Now()))

	_, err = f.Create("sometimes", 0)
	require.True(t, errors.Is(err, pipeline.ErrConfiguration))
}

func TestIntervalGate(t *testing.T) {
	g := NewIntervalGate(100 * time.Millisecond)
	t0 := time.Unix(1000, 0)
	require.True(t, g.ShouldAdmit(t0))
	g.OnAdmitted(t0)
	require.False(t, g.ShouldAdmit(t0.Add(50*time.Millisecond)))
	require.True(t, g.ShouldAdmit(t0.Add(100*time.Millisecond)))

	g.Reset()
	require.True(t, g.ShouldAdmit(t0.Add(time.Millisecond)))
}

func TestContinuousGateRateLimit(t *testing.T) {
	require.True(t, NewContinuousGate(0).ShouldAdmit(time.Now()))

	g := NewContinuousGate(time.Second)
	t0 := time.Unix(1000, 0)
	g.OnAdmitted(t0)
	require.False(t, g.ShouldAdmit(t0.Add(500*time.Millisecond)))
	require.True(t, g.ShouldAdmit(t0.Add(time.Second)))
}
