package script

import (
	"sort"
	"sync"
)

// Scope is a set of named variables with an optional parent. Lookups walk
// outwards through the parents. A Scope is safe for concurrent use.
type Scope struct {
	parent *Scope

	mu   sync.RWMutex
	vars map[string]Value
}

// NewScope returns an empty scope whose lookups fall back to parent.
func NewScope(parent *Scope) *Scope {
	return &Scope{parent: parent, vars: make(map[string]Value)}
}

func (s *Scope) Parent() *Scope { return s.parent }

// Get looks name up in s and then in its parents.
func (s *Scope) Get(name string) (Value, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.RLock()
		v, ok := sc.vars[name]
		sc.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return Nil(), false
}

// Set defines name in s itself, shadowing any parent definition.
func (s *Scope) Set(name string, v Value) {
	s.mu.Lock()
	s.vars[name] = v
	s.mu.Unlock()
}

// Assign updates name in the nearest scope that already defines it, or
// defines it in s when no scope does.
func (s *Scope) Assign(name string, v Value) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.Lock()
		if _, ok := sc.vars[name]; ok {
			sc.vars[name] = v
			sc.mu.Unlock()
			return
		}
		sc.mu.Unlock()
	}
	s.Set(name, v)
}

// Names returns the sorted names defined in s itself.
func (s *Scope) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.vars))
	for k := range s.vars {
		names = append(names, k)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Flatten returns every visible variable, inner definitions winning over
// outer ones.
func (s *Scope) Flatten() map[string]Value {
	var chain []*Scope
	for sc := s; sc != nil; sc = sc.parent {
		chain = append(chain, sc)
	}
	out := make(map[string]Value)
	for i := len(chain) - 1; i >= 0; i-- {
		sc := chain[i]
		sc.mu.RLock()
		for k, v := range sc.vars {
			out[k] = v
		}
		sc.mu.RUnlock()
	}
	return out
}

// ScopeMap holds one persistent scope per script path so that variables a
// page declares survive between requests for that page.
type ScopeMap struct {
	mu     sync.Mutex
	scopes map[string]*Scope
}

func NewScopeMap() *ScopeMap {
	return &ScopeMap{scopes: make(map[string]*Scope)}
}

// LoadOrCreate returns the scope for path, creating it with the given
// parent on first use. created reports whether this call made the scope.
// Concurrent first calls for one path all receive the same scope.
func (m *ScopeMap) LoadOrCreate(path string, parent *Scope) (scope *Scope, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scopes[path]; ok {
		return sc, false
	}
	sc := NewScope(parent)
	m.scopes[path] = sc
	return sc, true
}

// Delete forgets the scope of path.
func (m *ScopeMap) Delete(path string) {
	m.mu.Lock()
	delete(m.scopes, path)
	m.mu.Unlock()
}

func (m *ScopeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes)
}
