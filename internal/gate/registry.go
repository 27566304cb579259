package gate

import (
	"sort"
	"sync"

	"github.com/SakuraServer/Transporter/internal/transfer"
)

// Registry indexes gates by full name.
type Registry struct {
	mu     sync.RWMutex
	gates  map[string]transfer.Gate
	locals []*Local
}

func NewRegistry(cfg Config) (*Registry, error) {
	cfg.Local = append([]LocalSpec(nil), cfg.Local...)
	cfg.Remote = append([]RemoteSpec(nil), cfg.Remote...)
	cfg.Normalize()
	r := &Registry{gates: map[string]transfer.Gate{}}
	for _, spec := range cfg.Local {
		g, err := newLocal(spec, r)
		if err != nil {
			return nil, err
		}
		r.gates[g.FullName()] = g
		r.locals = append(r.locals, g)
	}
	for _, spec := range cfg.Remote {
		g := NewRemote(spec)
		r.gates[g.FullName()] = g
	}
	sort.Slice(r.locals, func(i, j int) bool { return r.locals[i].FullName() < r.locals[j].FullName() })
	return r, nil
}

func (r *Registry) Gate(fullName string) transfer.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gates[fullName]; ok {
		return g
	}
	return nil
}

// LocalGate returns the local gate with that full name, or nil.
func (r *Registry) LocalGate(fullName string) *Local {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.gates[fullName].(*Local); ok {
		return g
	}
	return nil
}

func (r *Registry) Locals() []*Local {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Local(nil), r.locals...)
}

// Worlds lists the worlds local gates live in.
func (r *Registry) Worlds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, g := range r.locals {
		if !seen[g.WorldName()] {
			seen[g.WorldName()] = true
			out = append(out, g.WorldName())
		}
	}
	sort.Strings(out)
	return out
}
