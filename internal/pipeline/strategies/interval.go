package strategies

import (
	"sync"
	"time"

	"keydot/internal/pipeline"
)

// IntervalGate admits at most one frame per interval
// Useful for sampling a static scene without loading the model
type IntervalGate struct {
	interval     time.Duration
	lastAdmitted time.Time
	mu           sync.Mutex
}

// NewIntervalGate creates an interval gate
func NewIntervalGate(interval time.Duration) *IntervalGate {
	if interval <= 0 {
		interval = time.Second
	}
	return &IntervalGate{
		interval: interval,
	}
}

func (g *IntervalGate) Name() string {
	return string(pipeline.AdmissionModeInterval)
}

func (g *IntervalGate) ShouldAdmit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Sub(g.lastAdmitted) >= g.interval
}

func (g *IntervalGate) OnAdmitted(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAdmitted = now
}

func (g *IntervalGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAdmitted = time.Time{}
}

var _ pipeline.AdmissionGate = (*IntervalGate)(nil)
