// Package capability wires concrete capability implementations into the
// routing registry the orchestrator resolves analyzers from.
package capability

import (
	"fmt"
	"time"

	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Binding maps one triage category to the analyzers applicable to it.
type Binding struct {
	Primary    string
	Applicable []string
	// Timeout overrides the global per-branch timeout for this category.
	// Zero means use the default.
	Timeout time.Duration
}

// Registry resolves triage categories to analyzer implementations. It is
// populated once at startup and read-only afterwards, so it is safe for
// concurrent use without locking.
type Registry struct {
	analyzers map[string]capability.Analyzer
	bindings  map[string]Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		analyzers: make(map[string]capability.Analyzer),
		bindings:  make(map[string]Binding),
	}
}

// RegisterAnalyzer adds an analyzer implementation under its Name().
func (r *Registry) RegisterAnalyzer(a capability.Analyzer) {
	r.analyzers[a.Name()] = a
}

// Bind associates a category with its primary and applicable analyzers.
// Every referenced analyzer must have been registered first.
func (r *Registry) Bind(category string, b Binding) error {
	if category == "" {
		return fmt.Errorf("bind: category is required")
	}
	if _, ok := r.analyzers[b.Primary]; !ok {
		return fmt.Errorf("bind %q: primary analyzer %q is not registered", category, b.Primary)
	}
	found := false
	for _, name := range b.Applicable {
		if _, ok := r.analyzers[name]; !ok {
			return fmt.Errorf("bind %q: analyzer %q is not registered", category, name)
		}
		if name == b.Primary {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("bind %q: primary analyzer %q must be in the applicable set", category, b.Primary)
	}
	r.bindings[category] = b
	return nil
}

// Analyzer looks up a registered analyzer by name.
func (r *Registry) Analyzer(name string) (capability.Analyzer, bool) {
	a, ok := r.analyzers[name]
	return a, ok
}

// Primary returns the primary analyzer for a category.
func (r *Registry) Primary(category string) (capability.Analyzer, bool) {
	b, ok := r.bindings[category]
	if !ok {
		return nil, false
	}
	a, ok := r.analyzers[b.Primary]
	return a, ok
}

// Applicable returns every analyzer bound to a category, primary included,
// in binding order.
func (r *Registry) Applicable(category string) []capability.Analyzer {
	b, ok := r.bindings[category]
	if !ok {
		return nil
	}
	out := make([]capability.Analyzer, 0, len(b.Applicable))
	for _, name := range b.Applicable {
		if a, ok := r.analyzers[name]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Timeout returns the per-branch timeout override for a category, or zero if
// the category uses the default.
func (r *Registry) Timeout(category string) time.Duration {
	return r.bindings[category].Timeout
}

// Categories returns the bound category names.
func (r *Registry) Categories() []string {
	out := make([]string, 0, len(r.bindings))
	for c := range r.bindings {
		out = append(out, c)
	}
	return out
}
