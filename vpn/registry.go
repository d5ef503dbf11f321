package vpn

import (
	"fmt"
	"sync"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
)

// Entry is the display adapter of a registered profile.
type Entry struct {
	Profile *profile.Profile
	// Actionable is false while another profile holds the active session.
	Actionable bool
}

// Registry is the in-memory index of loaded profiles: an ordered sequence
// plus a name index. Both are always mutated together under one lock.
//
// Positions are only meaningful until the next structural change.
type Registry struct {
	mu       sync.RWMutex
	profiles []*profile.Profile
	entries  map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// At returns the profile at index in display order.
func (r *Registry) At(index int) (*profile.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.profiles) {
		return nil, false
	}
	return r.profiles[index], true
}

// Lookup returns the profile registered under name.
func (r *Registry) Lookup(name string) (*profile.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.Profile, true
}

// IndexOf returns the position of p, or -1.
func (r *Registry) IndexOf(p *profile.Profile) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexOfLocked(p)
}

func (r *Registry) indexOfLocked(p *profile.Profile) int {
	for i, q := range r.profiles {
		if q == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p itself (not merely a profile with its name)
// is registered.
func (r *Registry) Contains(p *profile.Profile) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[p.Name]
	return ok && e.Profile == p
}

// Profiles returns the registered profiles in display order. The slice is
// a copy; the profiles are shared.
func (r *Registry) Profiles() []*profile.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*profile.Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// DuplicateName reports whether a profile other than the one at selfIndex
// already uses candidate's name. An out-of-range selfIndex checks against
// every profile, as for an add.
func (r *Registry) DuplicateName(candidate *profile.Profile, selfIndex int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.duplicateLocked(candidate.Name, selfIndex)
}

func (r *Registry) duplicateLocked(name string, selfIndex int) bool {
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if selfIndex >= 0 && selfIndex < len(r.profiles) && e.Profile == r.profiles[selfIndex] {
		return false
	}
	return true
}

// Add appends p.
func (r *Registry) Add(p *profile.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.duplicateLocked(p.Name, -1) {
		return fmt.Errorf("%w: %q", common.ErrDuplicateName, p.Name)
	}

	r.profiles = append(r.profiles, p)
	r.entries[p.Name] = &Entry{Profile: p, Actionable: true}
	return nil
}

// RemoveAt removes and returns the profile at index.
func (r *Registry) RemoveAt(index int) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.profiles) {
		return nil, fmt.Errorf("%w: index %d", common.ErrProfileNotFound, index)
	}

	p := r.profiles[index]
	r.profiles = append(r.profiles[:index], r.profiles[index+1:]...)
	delete(r.entries, p.Name)
	return p, nil
}

// ReplaceAt puts p at index, re-keying the name index when the name
// changed. The display adapter is kept and rebound to p.
func (r *Registry) ReplaceAt(index int, p *profile.Profile) (*profile.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.profiles) {
		return nil, fmt.Errorf("%w: index %d", common.ErrProfileNotFound, index)
	}

	old := r.profiles[index]
	e, ok := r.entries[old.Name]
	if !ok || e.Profile != old {
		panic(fmt.Sprintf("registry: inconsistent state: entry %q does not hold profile %s", old.Name, old.ID))
	}
	if r.duplicateLocked(p.Name, index) {
		return nil, fmt.Errorf("%w: %q", common.ErrDuplicateName, p.Name)
	}

	delete(r.entries, old.Name)
	r.profiles[index] = p
	e.Profile = p
	r.entries[p.Name] = e
	return old, nil
}

// Entry returns a copy of the display adapter registered under name.
func (r *Registry) Entry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// updateActionable recomputes every entry's actionability from fn, which
// receives the current value.
func (r *Registry) updateActionable(fn func(p *profile.Profile, current bool) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		e := r.entries[p.Name]
		e.Actionable = fn(p, e.Actionable)
	}
}

// orderedEntries returns the adapters in display order.
func (r *Registry) orderedEntries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *r.entries[p.Name])
	}
	return out
}
