package strategies

import (
	"sync"
	"time"

	"keydot/internal/pipeline"
)

// ContinuousGate admits a frame whenever the scheduler is idle.
// Optionally rate-limits to avoid overwhelming the model.
type ContinuousGate struct {
	minInterval  time.Duration // Minimum time between admissions
	lastAdmitted time.Time
	mu           sync.Mutex
}

// NewContinuousGate creates a continuous gate
// minInterval can be 0 to admit every idle frame, or a duration to rate-limit
func NewContinuousGate(minInterval time.Duration) *ContinuousGate {
	return &ContinuousGate{
		minInterval: minInterval,
	}
}

func (g *ContinuousGate) Name() string {
	return string(pipeline.AdmissionModeContinuous)
}

func (g *ContinuousGate) ShouldAdmit(now time.Time) bool {
	if g.minInterval == 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastAdmitted) >= g.minInterval
}

func (g *ContinuousGate) OnAdmitted(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAdmitted = now
}

func (g *ContinuousGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAdmitted = time.Time{}
}

var _ pipeline.AdmissionGate = (*ContinuousGate)(nil)
