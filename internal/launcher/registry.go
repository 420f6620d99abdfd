package launcher

import "sync"

// Registry is the per-project concurrency guard: at most one deployment may be
// active per project. Entries are added when a deployment starts and removed
// unconditionally when it finishes.
type Registry struct {
	mu     sync.Mutex
	active map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire records deploymentID as active for the project. It returns false,
// with the identifier of the deployment already in flight, when the project is
// busy.
func (r *Registry) Acquire(projectName, deploymentID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.active[projectName]; ok {
		return false, existing
	}
	r.active[projectName] = deploymentID
	return true, ""
}

// Release clears the entry for the project. Releasing an absent entry is a
// no-op so cleanup paths can run unconditionally.
func (r *Registry) Release(projectName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, projectName)
}

// Active returns the in-flight deployment for the project, if any.
func (r *Registry) Active(projectName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[projectName]
	return id, ok
}

// Len reports how many projects currently have a deployment in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
