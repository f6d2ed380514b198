// Package registry holds one handler per metadata type. A handler exposes the
// capabilities its type supports (retrieve, create, update) as separate
// interfaces so callers type-assert for what they need.
package registry

import (
	"fmt"
	"sort"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Lookuper resolves cross-type references; implemented by the metadata cache
type Lookuper interface {
	Lookup(tenant metadata.TenantContext, typeName, searchValue, searchField, returnField string) (string, error)
}

// Scope is passed to handlers while normalizing a retrieved record set
type Scope struct {
	Tenant metadata.TenantContext
	Cache  Lookuper
}

// Handler is implemented by every registered type
type Handler interface {
	Definition() *metadata.TypeDefinition
}

// Retrievable handlers turn raw transport records into items. They receive
// the complete record set of the type so cross-item values can be derived.
type Retrievable interface {
	Handler
	Normalize(scope Scope, records []map[string]any) ([]metadata.Item, error)
}

// Creatable handlers build the wire payload for a create call
type Creatable interface {
	Handler
	ToCreate(item metadata.Item) (map[string]any, error)
}

// Updatable handlers build the wire payload for an update call
type Updatable interface {
	Handler
	ToUpdate(item metadata.Item) (map[string]any, error)
}

// Registry maps type names to handlers
type Registry struct {
	catalog  metadata.Catalog
	handlers map[string]Handler
}

// New registers the default handler for every catalog type
func New(catalog metadata.Catalog) (*Registry, error) {
	r := &Registry{
		catalog:  catalog,
		handlers: make(map[string]Handler),
	}
	for _, name := range catalog.Types() {
		def, err := catalog.Definition(name)
		if err != nil {
			return nil, err
		}
		r.handlers[name] = defaultHandler(def)
	}
	return r, nil
}

// Register replaces the handler of a catalog type
func (r *Registry) Register(h Handler) error {
	name := h.Definition().TypeName
	if _, err := r.catalog.Definition(name); err != nil {
		return err
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler of a type
func (r *Registry) Get(typeName string) (Handler, error) {
	h, ok := r.handlers[typeName]
	if !ok {
		return nil, &metadata.UnknownTypeError{TypeName: typeName}
	}
	return h, nil
}

// Retrievable returns the retrieve capability of a type
func (r *Registry) Retrievable(typeName string) (Retrievable, error) {
	h, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	rh, ok := h.(Retrievable)
	if !ok {
		return nil, fmt.Errorf("type %s cannot be retrieved", typeName)
	}
	return rh, nil
}

// Creatable returns the create capability of a type
func (r *Registry) Creatable(typeName string) (Creatable, error) {
	h, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	ch, ok := h.(Creatable)
	if !ok {
		return nil, fmt.Errorf("type %s cannot be created", typeName)
	}
	return ch, nil
}

// Updatable returns the update capability of a type
func (r *Registry) Updatable(typeName string) (Updatable, error) {
	h, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	uh, ok := h.(Updatable)
	if !ok {
		return nil, fmt.Errorf("type %s cannot be updated", typeName)
	}
	return uh, nil
}

// Types returns the registered type names, sorted
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultHandler(def *metadata.TypeDefinition) Handler {
	base := &Generic{def: def}
	switch {
	case def.FolderType == "" && def.PathField != "" && hasSelfReference(def):
		return &Folder{Generic: base}
	case def.PathField != "" && def.FolderType != "":
		return &FolderPath{Generic: base}
	default:
		return base
	}
}

func hasSelfReference(def *metadata.TypeDefinition) bool {
	for _, ref := range def.References {
		if ref.Type == def.TypeName {
			return true
		}
	}
	return false
}
