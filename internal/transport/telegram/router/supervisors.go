package router

import (
	"sync"

	"eventbot/internal/runtime/supervisor"
)

// SupervisorRegistry names the running subsystem supervisors for /status.
// A nil registry ignores writes.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*supervisor.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*supervisor.Supervisor{}}
}

// Set registers (or replaces) a supervisor under name. If sup is nil, it deletes.
func (r *SupervisorRegistry) Set(name string, sup *supervisor.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) {
	r.Set(name, nil)
}

// Snapshot returns a copy of the current registry.
func (r *SupervisorRegistry) Snapshot() map[string]*supervisor.Supervisor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*supervisor.Supervisor, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
