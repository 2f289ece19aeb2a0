package decoders

import (
	"errors"
	"fmt"
	"sync"

	"keydot/internal/pipeline"
)

// Registry holds decode backends by name, in registration order
type Registry struct {
	decoders map[string]pipeline.Decoder
	order    []string
	mu       sync.RWMutex
}

// NewRegistry creates an empty decoder registry
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]pipeline.Decoder),
	}
}

// Register adds a decoder to the registry
func (r *Registry) Register(decoder pipeline.Decoder) error {
	if decoder == nil {
		return fmt.Errorf("decoder cannot be nil")
	}

	name := decoder.Name()
	if name == "" {
		return fmt.Errorf("decoder name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[name]; exists {
		return fmt.Errorf("decoder %q already registered", name)
	}

	r.decoders[name] = decoder
	r.order = append(r.order, name)
	return nil
}

// Get returns a decoder by name
func (r *Registry) Get(name string) (pipeline.Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[name]
	return d, ok
}

// GetAll returns all registered decoders in registration order
func (r *Registry) GetAll() []pipeline.Decoder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Decoder, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.decoders[name])
	}
	return result
}

// Resolve returns the decoders named in order, failing on unknown or
// repeated names. Health is not checked.
func (r *Registry) Resolve(names []string) ([]pipeline.Decoder, error) {
	if len(names) == 0 {
		return nil, &pipeline.ConfigurationError{Field: "decoders.order", Reason: "no decode backend configured"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	result := make([]pipeline.Decoder, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, &pipeline.ConfigurationError{Field: "decoders.order", Reason: fmt.Sprintf("backend %q listed twice", name)}
		}
		seen[name] = true
		d, ok := r.decoders[name]
		if !ok {
			return nil, &pipeline.ConfigurationError{Field: "decoders.order", Reason: fmt.Sprintf("unknown backend %q", name)}
		}
		result = append(result, d)
	}
	return result, nil
}

// GetHealthyByNames returns healthy decoders matching the given names, in order
func (r *Registry) GetHealthyByNames(names []string) []pipeline.Decoder {
	r.mu.RLock()
	candidates := make([]pipeline.Decoder, 0, len(names))
	for _, name := range names {
		if d, ok := r.decoders[name]; ok {
			candidates = append(candidates, d)
		}
	}
	r.mu.RUnlock()

	// IsHealthy may go over the network, so it runs outside the lock
	result := candidates[:0]
	for _, d := range candidates {
		if d.IsHealthy() {
			result = append(result, d)
		}
	}
	return result
}

// Names returns the names of all registered decoders
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Close releases all decoder resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.order {
		if err := r.decoders[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing decoder %q: %w", name, err))
		}
	}
	r.decoders = make(map[string]pipeline.Decoder)
	r.order = nil
	return errors.Join(errs...)
}

// Ensure Registry implements DecoderRegistry
var _ pipeline.DecoderRegistry = (*Registry)(nil)
