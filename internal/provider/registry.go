package provider

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/observability"
)

// Binding is an immutable snapshot of the active provider. Operations capture
// a Binding once and keep using it even if the registry switches meanwhile.
type Binding struct {
	Provider ModelProvider
	// Generation increases with every successful switch.
	Generation uint64
}

// ID returns the bound provider id.
func (b *Binding) ID() string {
	if b == nil || b.Provider == nil {
		return ""
	}
	return b.Provider.ID()
}

// Registry holds providers keyed by id plus the active binding.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ModelProvider
	defaultID string

	active  atomic.Pointer[Binding]
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry whose fixed default is defaultID.
func NewRegistry(defaultID string, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]ModelProvider),
		defaultID: defaultID,
		logger:    logger,
		metrics:   metrics,
	}
}

// Register adds a provider. Registering the same id twice is an error.
func (r *Registry) Register(p ModelProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (ModelProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs returns all registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default returns the fixed default provider.
func (r *Registry) Default() (ModelProvider, error) {
	return r.Get(r.defaultID)
}

// Active returns the current binding, binding the default on first use.
func (r *Registry) Active() (*Binding, error) {
	if b := r.active.Load(); b != nil {
		return b, nil
	}
	p, err := r.Default()
	if err != nil {
		return nil, err
	}
	b := &Binding{Provider: p}
	if r.active.CompareAndSwap(nil, b) {
		return b, nil
	}
	return r.active.Load(), nil
}

// Switch makes id the active provider for subsequent operations. An unknown
// id leaves the active binding untouched.
func (r *Registry) Switch(id string) (*Binding, error) {
	p, err := r.Get(id)
	if err != nil {
		r.metrics.RecordProviderSwitch(id, false)
		r.logger.Warn("provider switch rejected", zap.String("provider", id))
		return nil, err
	}
	for {
		prev := r.active.Load()
		next := &Binding{Provider: p}
		if prev != nil {
			next.Generation = prev.Generation + 1
		}
		if r.active.CompareAndSwap(prev, next) {
			r.metrics.RecordProviderSwitch(id, true)
			r.logger.Info("provider switched", zap.String("from", prev.ID()), zap.String("to", id))
			return next, nil
		}
	}
}
