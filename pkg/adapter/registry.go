package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sentire-labs/trustgate/pkg/schema"
)

var (
	// ErrInvalidAdapter is returned when validation produced errors.
	ErrInvalidAdapter = errors.New("adapter: invalid")
	// ErrDuplicateDomain is returned on a second registration for a domain.
	ErrDuplicateDomain = errors.New("adapter: domain already registered")
	// ErrUnknownDomain is returned by lookups on unregistered domains.
	ErrUnknownDomain = errors.New("adapter: unknown domain")
)

// Registry holds adapters keyed by domain. Registration happens at
// startup; afterwards the registry is read-mostly.
type Registry struct {
	mu       sync.RWMutex
	adapters map[schema.Domain]*Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[schema.Domain]*Adapter)}
}

// Register validates and stores an adapter. Validation warnings are
// returned alongside success so the operator can report them.
func (r *Registry) Register(a *Adapter) ([]string, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil adapter", ErrInvalidAdapter)
	}
	res := a.Validate()
	if !res.OK() {
		return res.Warnings, fmt.Errorf("%w: %v", ErrInvalidAdapter, res.Errors)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Domain]; dup {
		return res.Warnings, fmt.Errorf("%w: %s", ErrDuplicateDomain, a.Domain)
	}
	r.adapters[a.Domain] = a
	return res.Warnings, nil
}

// Get returns the adapter for a domain.
func (r *Registry) Get(domain schema.Domain) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return a, nil
}

// List returns all adapters ordered by domain.
func (r *Registry) List() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Unregister removes a domain's adapter.
func (r *Registry) Unregister(domain schema.Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[domain]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	delete(r.adapters, domain)
	return nil
}

// Clear removes everything.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = make(map[schema.Domain]*Adapter)
}

// Merge combines adapters into one: the first adapter's identity and
// config win; tools, agents, and workflows concatenate; lifecycle hooks
// chain in order, except shutdown which runs in reverse.
func Merge(adapters ...*Adapter) (*Adapter, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrInvalidAdapter)
	}
	first := adapters[0]
	merged := &Adapter{
		Domain:  first.Domain,
		Name:    first.Name,
		Version: first.Version,
		Config:  first.Config,
	}

	var (
		inits     []func(ctx context.Context) error
		shutdowns []func(ctx context.Context) error
		starts    []func(ctx context.Context, workflow, runID string) error
		completes []func(ctx context.Context, workflow, runID string, status string) error
	)
	for _, a := range adapters {
		merged.Tools = append(merged.Tools, a.Tools...)
		merged.Agents = append(merged.Agents, a.Agents...)
		merged.Workflows = append(merged.Workflows, a.Workflows...)
		if a.Hooks.OnInitialize != nil {
			inits = append(inits, a.Hooks.OnInitialize)
		}
		if a.Hooks.OnShutdown != nil {
			shutdowns = append(shutdowns, a.Hooks.OnShutdown)
		}
		if a.Hooks.OnWorkflowStart != nil {
			starts = append(starts, a.Hooks.OnWorkflowStart)
		}
		if a.Hooks.OnWorkflowComplete != nil {
			completes = append(completes, a.Hooks.OnWorkflowComplete)
		}
	}

	if len(inits) > 0 {
		merged.Hooks.OnInitialize = func(ctx context.Context) error {
			for _, h := range inits {
				if err := h(ctx); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if len(shutdowns) > 0 {
		merged.Hooks.OnShutdown = func(ctx context.Context) error {
			var firstErr error
			for i := len(shutdowns) - 1; i >= 0; i-- {
				if err := shutdowns[i](ctx); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		}
	}
	if len(starts) > 0 {
		merged.Hooks.OnWorkflowStart = func(ctx context.Context, workflow, runID string) error {
			for _, h := range starts {
				if err := h(ctx, workflow, runID); err != nil {
					return err
				}
			}
			return nil
		}
	}
	if len(completes) > 0 {
		merged.Hooks.OnWorkflowComplete = func(ctx context.Context, workflow, runID string, status string) error {
			for _, h := range completes {
				if err := h(ctx, workflow, runID, status); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return merged, nil
}
