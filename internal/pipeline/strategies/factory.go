package strategies

import (
	"fmt"
	"time"

	"keydot/internal/pipeline"
)

// GateFactory creates admission gates based on configuration
type GateFactory struct {
	defaultInterval time.Duration
}

// NewGateFactory creates a new gate factory. defaultInterval is used by the
// interval gate when no interval is configured.
func NewGateFactory(defaultInterval time.Duration) *GateFactory {
	if defaultInterval <= 0 {
		defaultInterval = time.Second
	}
	return &GateFactory{
		defaultInterval: defaultInterval,
	}
}

// Create creates an admission gate for mode
func (f *GateFactory) Create(mode pipeline.AdmissionMode, interval time.Duration) (pipeline.AdmissionGate, error) {
	switch mode {
	case "", pipeline.AdmissionModeContinuous:
		return NewContinuousGate(0), nil

	case pipeline.AdmissionModeInterval:
		if interval <= 0 {
			interval = f.defaultInterval
		}
		return NewIntervalGate(interval), nil

	case pipeline.AdmissionModePaused:
		return NewPausedGate(), nil

	default:
		return nil, &pipeline.ConfigurationError{Field: "admission.mode", Reason: fmt.Sprintf("unknown admission mode: %s", mode)}
	}
}
