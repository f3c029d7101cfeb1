package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"sifworks.org/internal/functional"
	"sifworks.org/internal/obs"
)

// Any selects every registered constructor.
const Any = "any"

// Constructor builds one functional service instance.
type Constructor func() (*functional.Service, error)

// Entry is one registered constructor under its class name.
type Entry struct {
	Class string
	New   Constructor
}

// Registry is the explicit list of functional services the host can run.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a constructor under a class name. Class names are matched
// case-insensitively and must be unique.
func (r *Registry) Register(class string, c Constructor) error {
	class = strings.TrimSpace(class)
	if class == "" || c == nil {
		return fmt.Errorf("scheduler: class name and constructor are required")
	}
	if strings.EqualFold(class, Any) {
		return fmt.Errorf("scheduler: %q is reserved", Any)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if strings.EqualFold(e.Class, class) {
			return fmt.Errorf("scheduler: class %q already registered", class)
		}
	}
	r.entries = append(r.entries, Entry{Class: class, New: c})
	return nil
}

// Select returns the entries named by classes, in registration order. An
// empty list or one containing "any" selects everything. Unknown classes are
// logged and skipped.
func (r *Registry) Select(classes []string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]bool, len(classes))
	all := len(classes) == 0
	for _, c := range classes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if c == Any {
			all = true
		}
		want[c] = false
	}
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		key := strings.ToLower(e.Class)
		if _, ok := want[key]; ok || all {
			want[key] = true
			out = append(out, e)
		}
	}
	if !all {
		for c, found := range want {
			if !found {
				obs.Warn("functional service class not registered", map[string]any{"class": c})
			}
		}
	}
	return out
}
