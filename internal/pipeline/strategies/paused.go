package strategies

import (
	"time"

	"keydot/internal/pipeline"
)

// PausedGate never admits a frame
// Used to keep capture running while processing is suspended
type PausedGate struct{}

// NewPausedGate creates a paused gate
func NewPausedGate() *PausedGate {
	return &PausedGate{}
}

func (g *PausedGate) Name() string {
	return string(pipeline.AdmissionModePaused)
}

func (g *PausedGate) ShouldAdmit(now time.Time) bool {
	return false
}

func (g *PausedGate) OnAdmitted(now time.Time) {
	// No-op
}

func (g *PausedGate) Reset() {
	// No-op
}

var _ pipeline.AdmissionGate = (*PausedGate)(nil)
