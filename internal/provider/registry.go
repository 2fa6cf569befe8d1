package provider

import (
	"fmt"
	"sync"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
)

// Registry maps providers to handlers. Handlers are registered at startup;
// a provider listed in the table without a handler resolves to a
// NOT_IMPLEMENTED error.
type Registry struct {
	table *Table

	mu       sync.RWMutex
	handlers map[model.Provider]Handler
}

func NewRegistry(table *Table) *Registry {
	if table == nil {
		table = DefaultTable()
	}
	return &Registry{table: table, handlers: make(map[model.Provider]Handler)}
}

func (r *Registry) Register(h Handler) error {
	p := h.Provider()
	if _, ok := r.table.Spec(p); !ok {
		return fmt.Errorf("register %s: provider missing from chain-support table", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[p]; dup {
		return fmt.Errorf("register %s: handler already registered", p)
	}
	r.handlers[p] = h
	return nil
}

func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Resolve(p model.Provider) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[p]
	r.mu.RUnlock()
	if !ok {
		return nil, NotImplemented(p)
	}
	return h, nil
}

func (r *Registry) EligibleProviders(chain model.Chain) []model.Provider {
	return r.table.Eligible(chain)
}

func (r *Registry) Supports(p model.Provider, chain model.Chain) bool {
	return r.table.Supports(p, chain)
}

func (r *Registry) Spec(p model.Provider) (Spec, bool) {
	return r.table.Spec(p)
}
