// Package resolver expands a set of requested metadata types to the closure
// of types they depend on and orders them so dependencies come first.
package resolver

import (
	"github.com/conduit-lang/metasync/internal/metadata"
)

// visit states used by the depth-first traversal
const (
	unvisited = iota
	visiting
	done
)

// Resolver computes dependency closures and orders over a type catalog.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	catalog metadata.Catalog
}

// New creates a resolver over catalog
func New(catalog metadata.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Dependencies returns the direct dependencies of a type: its declared
// dependencies plus its folder type, in catalog declaration order.
func (r *Resolver) Dependencies(typeName string) ([]string, error) {
	def, err := r.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(def.Dependencies)+1)
	for _, dep := range def.Dependencies {
		set[dep] = true
	}
	if def.FolderType != "" && def.FolderType != typeName {
		set[def.FolderType] = true
	}

	for name := range set {
		if _, err := r.catalog.Definition(name); err != nil {
			return nil, err
		}
	}

	result := make([]string, 0, len(set))
	for _, name := range r.catalog.Types() {
		if set[name] {
			result = append(result, name)
		}
	}
	return result, nil
}

// Resolve returns the requested types together with every type they
// transitively depend on, ordered so that each type appears after all of its
// dependencies. Independent types keep catalog declaration order.
func (r *Resolver) Resolve(requested []string) ([]string, error) {
	closure := make(map[string]bool, len(requested))
	for _, name := range requested {
		if _, err := r.catalog.Definition(name); err != nil {
			return nil, err
		}
		closure[name] = true
	}
	if len(closure) == 0 {
		return []string{}, nil
	}

	state := make(map[string]int)
	result := make([]string, 0, len(closure))
	var stack []string

	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &metadata.CycleError{Path: cyclePath(stack, name)}
		}

		state[name] = visiting
		stack = append(stack, name)

		deps, err := r.Dependencies(name)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		result = append(result, name)
		return nil
	}

	for _, name := range r.catalog.Types() {
		if !closure[name] {
			continue
		}
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// Closure splits a resolved order into the requested types and the types
// added only because something requested depends on them.
func (r *Resolver) Closure(requested []string) (ordered []string, added map[string]bool, err error) {
	ordered, err = r.Resolve(requested)
	if err != nil {
		return nil, nil, err
	}

	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}
	added = make(map[string]bool)
	for _, name := range ordered {
		if !want[name] {
			added[name] = true
		}
	}
	return ordered, added, nil
}

// Validate checks the whole catalog for dependency cycles
func (r *Resolver) Validate() error {
	_, err := r.Resolve(r.catalog.Types())
	return err
}

// Index returns each type's position in order, for sorting by dependency
func Index(order []string) map[string]int {
	idx := make(map[string]int, len(order))
	for i, name := range order {
		idx[name] = i
	}
	return idx
}

func cyclePath(stack []string, repeated string) []string {
	for i, name := range stack {
		if name == repeated {
			path := append([]string(nil), stack[i:]...)
			return append(path, repeated)
		}
	}
	return append(append([]string(nil), stack...), repeated)
}
