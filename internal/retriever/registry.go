package retriever

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/internal/service/breaker"
)

// Implementation names accepted by the default factory.
const (
	ImplVector      = "vector"
	ImplSQL         = "sql"
	ImplIntent      = "intent"
	ImplHTTP        = "http"
	ImplPassthrough = "passthrough"
	ImplComposite   = "composite"
)

// Factory builds a retriever instance from its descriptor. The registry is
// passed through so aggregate adapters can resolve their members.
type Factory func(ctx domain.Context, desc domain.AdapterDescriptor, reg *Registry) (domain.Retriever, error)

// descriptorSet is the immutable descriptor snapshot swapped on reload.
type descriptorSet struct {
	byName map[string]domain.AdapterDescriptor
	order  []string
}

// entry holds one adapter's instance slot. The per-entry mutex serializes
// construction so exactly one instance exists per name.
type entry struct {
	mu         sync.Mutex
	inst       domain.Retriever
	built      bool
	loadFailed bool
}

// Registry loads adapter descriptors and instantiates adapters lazily, one
// instance per name. The descriptor snapshot is copy-on-write: readers never
// block a reload and a reload never blocks readers. Hot-reload replaces a
// named instance atomically; in-flight calls keep the instance they resolved.
type Registry struct {
	factory  Factory
	breakers *breaker.Manager
	keys     domain.APIKeyRepository
	static   map[string]string

	descriptors atomic.Pointer[descriptorSet]

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds an empty registry; call Load with the configured
// descriptors before serving. The key repository may be nil when only static
// keys are configured, and a nil breaker manager skips the load-failure
// trip.
func NewRegistry(factory Factory, breakers *breaker.Manager, keys domain.APIKeyRepository, static []config.StaticAPIKey) *Registry {
	staticMap := make(map[string]string, len(static))
	for _, k := range static {
		if k.Key != "" {
			staticMap[k.Key] = k.Adapter
		}
	}
	r := &Registry{
		factory:  factory,
		breakers: breakers,
		keys:     keys,
		static:   staticMap,
		entries:  make(map[string]*entry),
	}
	r.descriptors.Store(&descriptorSet{byName: map[string]domain.AdapterDescriptor{}})
	return r
}

// Load replaces the descriptor snapshot. Duplicate names are a fatal load
// error. Instances built from earlier descriptors stay in place until
// Reload rebuilds them.
func (r *Registry) Load(descs []domain.AdapterDescriptor) error {
	set := &descriptorSet{
		byName: make(map[string]domain.AdapterDescriptor, len(descs)),
		order:  make([]string, 0, len(descs)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return fmt.Errorf("%w: adapter with empty name", domain.ErrInvalidArgument)
		}
		if _, dup := set.byName[d.Name]; dup {
			return fmt.Errorf("%w: duplicate adapter name %q", domain.ErrInvalidArgument, d.Name)
		}
		set.byName[d.Name] = d
		set.order = append(set.order, d.Name)
	}
	r.descriptors.Store(set)
	slog.Info("adapter descriptors loaded", slog.Int("count", len(descs)))
	return nil
}

// Descriptor returns the current descriptor for a name.
func (r *Registry) Descriptor(name string) (domain.AdapterDescriptor, bool) {
	set := r.descriptors.Load()
	d, ok := set.byName[name]
	return d, ok
}

// List returns the descriptors in configuration order.
func (r *Registry) List() []domain.AdapterDescriptor {
	set := r.descriptors.Load()
	out := make([]domain.AdapterDescriptor, 0, len(set.order))
	for _, name := range set.order {
		out = append(out, set.byName[name])
	}
	return out
}

func (r *Registry) entryFor(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry{}
		r.entries[name] = e
	}
	return e
}

// Get resolves an adapter by name, constructing and initializing it on first
// use under the per-adapter mutex. A failed load trips the adapter's breaker
// until the next successful load; the failure itself is not cached, so a
// later Get retries construction.
func (r *Registry) Get(ctx domain.Context, name string) (domain.Retriever, error) {
	desc, ok := r.Descriptor(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrAdapterNotFound, name)
	}
	e := r.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.built {
		return e.inst, nil
	}
	inst, err := r.build(ctx, desc, e)
	if err != nil {
		return nil, err
	}
	e.inst = inst
	e.built = true
	return inst, nil
}

// build constructs and initializes one instance; caller holds the entry
// mutex.
func (r *Registry) build(ctx domain.Context, desc domain.AdapterDescriptor, e *entry) (domain.Retriever, error) {
	inst, err := r.factory(ctx, desc, r)
	if err != nil {
		return nil, r.loadError(desc.Name, e, err)
	}
	if err := inst.Initialize(ctx); err != nil {
		return nil, r.loadError(desc.Name, e, err)
	}
	if e.loadFailed {
		// Recovered: the forced-open breaker may admit calls again.
		if r.breakers != nil {
			r.breakers.Reset(desc.Name)
		}
		e.loadFailed = false
	}
	return inst, nil
}

func (r *Registry) loadError(name string, e *entry, err error) error {
	e.loadFailed = true
	if r.breakers != nil {
		r.breakers.Get(name).ForceOpen()
	}
	slog.Error("adapter load failed",
		slog.String("adapter", name),
		slog.String("error", err.Error()))
	return fmt.Errorf("op=registry.get: adapter %q: %w: %v", name, domain.ErrAdapterLoad, err)
}

// Reload rebuilds the named instance from its current descriptor. An empty
// name rebuilds every instance that has been built. The new instance is
// constructed before the swap, so a failing reload keeps the old instance
// serving (behind its now-open breaker).
func (r *Registry) Reload(ctx domain.Context, name string) error {
	if name == "" {
		return r.reloadAll(ctx)
	}
	desc, ok := r.Descriptor(name)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrAdapterNotFound, name)
	}
	e := r.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, err := r.build(ctx, desc, e)
	if err != nil {
		return err
	}
	old := e.inst
	e.inst = inst
	e.built = true
	if old != nil {
		// In-flight calls hold their own reference; Close only releases
		// idle resources.
		go func() { _ = old.Close() }()
	}
	slog.Info("adapter reloaded", slog.String("adapter", name))
	return nil
}

func (r *Registry) reloadAll(ctx domain.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.built {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if _, ok := r.Descriptor(name); !ok {
			// Descriptor removed by the last Load; drop the instance.
			r.evict(name)
			continue
		}
		if err := r.Reload(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evict drops a built instance whose descriptor no longer exists.
func (r *Registry) evict(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	old := e.inst
	e.inst = nil
	e.built = false
	e.mu.Unlock()
	if old != nil {
		go func() { _ = old.Close() }()
	}
	slog.Info("adapter evicted", slog.String("adapter", name))
}

// ResolveForAPIKey maps a raw API key to its bound adapter name. Static keys
// are checked first, then the key store. Inactive keys are unauthorized; a
// key with no binding resolves to the empty name and the caller applies its
// default.
func (r *Registry) ResolveForAPIKey(ctx domain.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: missing api key", domain.ErrUnauthorized)
	}
	if adapter, ok := r.static[key]; ok {
		return adapter, nil
	}
	if r.keys == nil {
		return "", fmt.Errorf("%w: unknown api key", domain.ErrUnauthorized)
	}
	rec, err := r.keys.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	if !rec.Active {
		return "", fmt.Errorf("%w: api key disabled", domain.ErrUnauthorized)
	}
	return rec.AdapterName, nil
}
