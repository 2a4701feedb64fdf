// Package faultinjection implements the testing-only fault-injection
// harness from spec.md §4.8: a registry indexed by named trigger sites that,
// when armed, raises a registered error a fixed number of times before
// going quiet again.
//
// Production code paths call Registry.Maybe at a named site unconditionally
// -- with a nil Registry (the default in production) or an unarmed site,
// Maybe is a no-op. This lets tests verify retry/backoff, partial-failure
// recovery and reconciler idempotence deterministically, per spec.md §8.
package faultinjection

import "sync"

// Registry is the fault-injection harness. The zero value is usable; a nil
// *Registry is also safe to call Maybe on (it always returns nil).
type Registry struct {
	mu    sync.Mutex
	sites map[string]*trigger
}

type trigger struct {
	remaining int
	err       error
}

// New returns an empty, armable Registry.
func New() *Registry {
	return &Registry{sites: map[string]*trigger{}}
}

// Arm configures site to raise err the next `count` times Maybe is called
// for it, after which the site goes quiet (returns nil) again.
func (r *Registry) Arm(site string, count int, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sites == nil {
		r.sites = map[string]*trigger{}
	}
	r.sites[site] = &trigger{remaining: count, err: err}
}

// Maybe raises the armed error for site if its counter is > 0, decrementing
// it; otherwise it returns nil. Safe to call on a nil Registry.
func (r *Registry) Maybe(site string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.sites[site]
	if !ok || t.remaining <= 0 {
		return nil
	}
	t.remaining--
	return t.err
}

// Remaining reports how many more times site will fire, for test
// assertions.
func (r *Registry) Remaining(site string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.sites[site]
	if !ok {
		return 0
	}
	return t.remaining
}
