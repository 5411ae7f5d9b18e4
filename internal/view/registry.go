package view

// Registry holds the desired definitions of one synchronization run.
// Registration order is preserved for deterministic iteration when no
// dependency constraint applies.
type Registry struct {
	order  []*Definition
	byName map[Name]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[Name]*Definition)}
}

// Register adds definitions in order. It fails with DuplicateNameError if a
// qualified name is already taken; definitions preceding the duplicate stay
// registered.
func (r *Registry) Register(defs ...*Definition) error {
	for _, d := range defs {
		if _, taken := r.byName[d.Name]; taken {
			return &DuplicateNameError{Name: d.Name}
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d)
	}
	return nil
}

// All returns the definitions in registration order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up a definition by qualified name.
func (r *Registry) Get(name Name) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	return len(r.order)
}

// DependenciesOf returns the registered definitions d declares a dependency
// on. Dependencies naming objects outside the registry are skipped; they are
// not managed by this run.
func (r *Registry) DependenciesOf(d *Definition) []*Definition {
	var deps []*Definition
	for _, name := range d.DependsOn {
		if dep, ok := r.byName[name]; ok && dep != d {
			deps = append(deps, dep)
		}
	}
	return deps
}
