// Package htmlsource keeps the raw markup of ingested HTML documents so
// script generation can ground element locators in the real page.
package htmlsource

import "sync"

// Registry maps filenames to raw HTML. Overwrites keep the filename's
// original registration position, so [Registry.Any] is stable under
// re-ingestion. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	// sources holds the latest markup per filename.
	sources map[string]string

	// order lists filenames by first registration.
	order []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sources: make(map[string]string)}
}

// Put stores raw under filename, replacing any previous value.
func (r *Registry) Put(filename, raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[filename]; !ok {
		r.order = append(r.order, filename)
	}
	r.sources[filename] = raw
}

// Get returns the markup stored under filename.
func (r *Registry) Get(filename string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.sources[filename]
	return raw, ok
}

// Any applies the first-registered fallback policy: it returns the
// markup of the filename that was registered earliest.
func (r *Registry) Any() (string, bool) {
	_, raw, ok := r.first()
	return raw, ok
}

// Resolve picks the markup for hint when it is set and present, otherwise
// falls back to [Registry.Any]. It also reports which filename was chosen.
func (r *Registry) Resolve(hint string) (filename, raw string, ok bool) {
	if hint != "" {
		if raw, ok := r.Get(hint); ok {
			return hint, raw, true
		}
	}
	return r.first()
}

// Filenames returns the registered filenames in registration order.
func (r *Registry) Filenames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered filenames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) first() (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return "", "", false
	}
	name := r.order[0]
	return name, r.sources[name], true
}
