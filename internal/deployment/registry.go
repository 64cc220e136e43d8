package deployment

import (
	"sync"

	"github.com/google/uuid"
)

// Registry indexes every deployment the manager has accepted. Per
// project it remembers the full attempt history in arrival order, so
// the active record can be resolved even while a replacement attempt
// is in flight or has just failed.
type Registry struct {
	mu        sync.RWMutex
	byID      map[uuid.UUID]*Deployment
	byProject map[string][]*Deployment
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[uuid.UUID]*Deployment),
		byProject: make(map[string][]*Deployment),
	}
}

func (r *Registry) Insert(d *Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[d.ID] = d
	r.byProject[d.Project] = append(r.byProject[d.Project], d)
}

func (r *Registry) Get(id uuid.UUID) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Active resolves the deployment that currently answers for a
// project: the newest non-terminal attempt. When every attempt has
// terminated the newest record is returned instead, so a failed or
// killed project stays queryable. A replacement attempt that errors
// therefore never shadows the live deployment it failed to replace.
func (r *Registry) Active(project string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts := r.byProject[project]
	if len(attempts) == 0 {
		return nil, false
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if !attempts[i].State().Terminal() {
			return attempts[i], true
		}
	}
	return attempts[len(attempts)-1], true
}

func (r *Registry) All() []*Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Deployment, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// CountByState tallies every known deployment for status reporting.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int)
	for _, d := range r.byID {
		counts[d.State()]++
	}
	return counts
}
