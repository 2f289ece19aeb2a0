// Package decoders holds the symbol decode backends and the adapter that
// turns them into a single, failure-free decode operation.
package decoders

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/cyclopcam/logs"

	"keydot/internal/pipeline"
)

// BackendStats counts outcomes per backend
type BackendStats struct {
	Calls    uint64 `json:"calls"`
	Found    uint64 `json:"found"`
	Errors   uint64 `json:"errors"`
	Timeouts uint64 `json:"timeouts"`
}

// Adapter dispatches a region to backends in an explicit precedence order
// and surfaces at most one payload.
type Adapter struct {
	log      logs.Log
	registry *Registry
	order    []string
	policy   pipeline.DecodePolicy

	stats   map[string]*BackendStats
	statsMu sync.Mutex
}

// NewAdapter checks that every backend in order is registered
func NewAdapter(log logs.Log, registry *Registry, order []string, policy pipeline.DecodePolicy) (*Adapter, error) {
	if _, err := registry.Resolve(order); err != nil {
		return nil, err
	}
	switch policy {
	case "":
		policy = pipeline.DecodePolicyFirst
	case pipeline.DecodePolicyFirst, pipeline.DecodePolicyCompare, pipeline.DecodePolicyLast:
	default:
		return nil, &pipeline.ConfigurationError{Field: "decoders.policy", Reason: fmt.Sprintf("unknown policy %q", policy)}
	}

	a := &Adapter{
		log:      log,
		registry: registry,
		order:    append([]string(nil), order...),
		policy:   policy,
		stats:    make(map[string]*BackendStats, len(order)),
	}
	for _, name := range order {
		a.stats[name] = &BackendStats{}
	}
	log.Infof("[Decoders] Precedence %v, policy %s", a.order, a.policy)
	return a, nil
}

// DecodeRegion implements pipeline.RegionDecoder. It never fails: errors,
// panics, timeouts and unexpected formats all yield nil.
func (a *Adapter) DecodeRegion(ctx context.Context, region *pipeline.Region, hints pipeline.DecodeHints) *pipeline.DecodedPayload {
	if region.Empty() || region.Image == nil {
		return nil
	}
	return a.Decode(ctx, region.Image, hints)
}

// Decode runs the configured backends on img according to the policy
func (a *Adapter) Decode(ctx context.Context, img image.Image, hints pipeline.DecodeHints) *pipeline.DecodedPayload {
	backends := a.registry.GetHealthyByNames(a.order)
	if len(backends) == 0 {
		a.log.Debugf("[Decoders] No healthy backend among %v", a.order)
		return nil
	}

	var chosen *pipeline.DecodedPayload
	for _, d := range backends {
		if ctx.Err() != nil {
			break
		}
		payload := a.try(ctx, d, img, hints)

		switch a.policy {
		case pipeline.DecodePolicyFirst:
			if payload != nil {
				return payload
			}
		case pipeline.DecodePolicyCompare:
			a.logComparison(d.Name(), payload)
			if chosen == nil {
				chosen = payload
			}
		case pipeline.DecodePolicyLast:
			a.logComparison(d.Name(), payload)
			if payload != nil {
				chosen = payload
			}
		}
	}
	return chosen
}

// Stats returns a copy of the per-backend counters
func (a *Adapter) Stats() map[string]BackendStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	out := make(map[string]BackendStats, len(a.stats))
	for name, s := range a.stats {
		out[name] = *s
	}
	return out
}

type tryResult struct {
	payload *pipeline.DecodedPayload
	err     error
}

// try calls one backend. The call runs on its own goroutine so that a
// deadline on ctx is honoured even by backends that ignore ctx.
func (a *Adapter) try(ctx context.Context, d pipeline.Decoder, img image.Image, hints pipeline.DecodeHints) *pipeline.DecodedPayload {
	a.count(d.Name(), func(s *BackendStats) { s.Calls++ })
	done := make(chan tryResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- tryResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		p, err := d.Decode(ctx, img, hints)
		done <- tryResult{payload: p, err: err}
	}()

	var res tryResult
	select {
	case res = <-done:
	case <-ctx.Done():
		a.count(d.Name(), func(s *BackendStats) { s.Timeouts++ })
		a.log.Debugf("[Decoders] %s: %v", d.Name(), ctx.Err())
		return nil
	}

	if res.err != nil {
		a.count(d.Name(), func(s *BackendStats) { s.Errors++ })
		a.log.Debugf("[Decoders] %s failed: %v", d.Name(), res.err)
		return nil
	}
	if res.payload == nil || res.payload.Text == "" {
		return nil
	}
	if !hints.Allows(res.payload.Format) {
		a.log.Debugf("[Decoders] %s returned %s, not in %v", d.Name(), res.payload.Format, hints.Formats)
		return nil
	}

	out := *res.payload
	out.Backend = d.Name()
	a.count(d.Name(), func(s *BackendStats) { s.Found++ })
	return &out
}

func (a *Adapter) count(name string, fn func(s *BackendStats)) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s, ok := a.stats[name]
	if !ok {
		s = &BackendStats{}
		a.stats[name] = s
	}
	fn(s)
}

func (a *Adapter) logComparison(name string, payload *pipeline.DecodedPayload) {
	if payload == nil {
		a.log.Infof("[Decoders] %s: nothing", name)
		return
	}
	a.log.Infof("[Decoders] %s: %s", name, payload.Label())
}

var _ pipeline.RegionDecoder = (*Adapter)(nil)
