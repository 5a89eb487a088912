package job

import (
	"fmt"
	"sort"
)

// Factory builds the Job for a task.
type Factory func(task Task) (Job, error)

// Registry maps job kinds to their factories.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry creates a registry preloaded with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Kind]Factory)}
	r.Register(KindExec, NewExec)
	return r
}

// Register adds a factory for kind. Registering a kind twice is a programmer
// error and panics.
func (r *Registry) Register(kind Kind, f Factory) {
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("job kind '%s' already registered", kind))
	}
	r.factories[kind] = f
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind Kind) bool {
	_, ok := r.factories[kind]
	return ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build resolves the task's kind and constructs its Job.
func (r *Registry) Build(task Task) (Job, error) {
	f, ok := r.factories[task.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown job kind '%s'", task.Kind)
	}
	j, err := f(task)
	if err != nil {
		return nil, fmt.Errorf("building %s job for %s: %w", task.Kind, task.EntityID, err)
	}
	return j, nil
}
