package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// UnknownModelError is returned by Resolve for an alias that is not
// configured. It carries the sorted set of known aliases so callers can
// report what is available.
type UnknownModelError struct {
	Alias string
	Known []string
}

func (e *UnknownModelError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("model %q not found in configuration", e.Alias)
	}
	return fmt.Sprintf("model %q not found in configuration, available models: %s",
		e.Alias, strings.Join(e.Known, ", "))
}

// snapshot is one immutable generation of the alias table.
type snapshot struct {
	models  map[string]*ModelConfig
	aliases []string // sorted
}

// Registry resolves aliases against the current snapshot. Lookups are
// lock-free; Replace swaps the whole snapshot atomically so in-flight
// requests keep the generation they resolved against.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// New builds a Registry from the given models. Duplicate aliases keep the
// first entry.
func New(models []*ModelConfig) *Registry {
	r := &Registry{}
	r.Replace(models)
	return r
}

// Replace atomically installs a new alias table.
func (r *Registry) Replace(models []*ModelConfig) {
	s := &snapshot{models: make(map[string]*ModelConfig, len(models))}
	for _, m := range models {
		if m == nil || m.Alias == "" {
			continue
		}
		if _, dup := s.models[m.Alias]; dup {
			continue
		}
		s.models[m.Alias] = m
		s.aliases = append(s.aliases, m.Alias)
	}
	sort.Strings(s.aliases)
	r.snap.Store(s)
}

// Resolve returns the configuration for alias, or an *UnknownModelError
// listing the known aliases.
func (r *Registry) Resolve(alias string) (*ModelConfig, error) {
	s := r.snap.Load()
	if m, ok := s.models[alias]; ok {
		return m, nil
	}
	return nil, &UnknownModelError{Alias: alias, Known: s.aliases}
}

// Aliases returns the sorted client-facing model names.
func (r *Registry) Aliases() []string {
	return r.snap.Load().aliases
}

// All returns every configured model, ordered by alias.
func (r *Registry) All() []*ModelConfig {
	s := r.snap.Load()
	out := make([]*ModelConfig, 0, len(s.aliases))
	for _, a := range s.aliases {
		out = append(out, s.models[a])
	}
	return out
}

// Len returns the number of configured models.
func (r *Registry) Len() int {
	return len(r.snap.Load().aliases)
}
