package registry

import (
	"fmt"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Generic is the catalog-driven handler used by most types. It keeps every
// field on retrieve and filters by capability flags on the way out.
type Generic struct {
	def *metadata.TypeDefinition
}

// NewGeneric creates a generic handler for def
func NewGeneric(def *metadata.TypeDefinition) *Generic {
	return &Generic{def: def}
}

// Definition returns the type definition
func (g *Generic) Definition() *metadata.TypeDefinition {
	return g.def
}

// Normalize copies each record into an item. Records without a key are
// rejected because nothing downstream can address them.
func (g *Generic) Normalize(_ Scope, records []map[string]any) ([]metadata.Item, error) {
	items := make([]metadata.Item, 0, len(records))
	for i, rec := range records {
		item := metadata.Item(rec).Clone()
		if item.String(g.def.KeyField) == "" {
			return nil, fmt.Errorf("%s record #%d has no %s", g.def.TypeName, i, g.def.KeyField)
		}
		items = append(items, item)
	}
	return items, nil
}

// ToCreate keeps creatable fields
func (g *Generic) ToCreate(item metadata.Item) (map[string]any, error) {
	return g.filter(item, func(f metadata.FieldFlags) bool { return f.Creatable })
}

// ToUpdate keeps updatable fields plus the key and id that address the item
func (g *Generic) ToUpdate(item metadata.Item) (map[string]any, error) {
	out, err := g.filter(item, func(f metadata.FieldFlags) bool { return f.Updatable })
	if err != nil {
		return nil, err
	}
	out[g.def.KeyField] = item[g.def.KeyField]
	if g.def.IDField != "" {
		if id, ok := item[g.def.IDField]; ok {
			out[g.def.IDField] = id
		}
	}
	return out, nil
}

func (g *Generic) filter(item metadata.Item, keep func(metadata.FieldFlags) bool) (map[string]any, error) {
	if item.String(g.def.KeyField) == "" {
		return nil, fmt.Errorf("%s item has no %s", g.def.TypeName, g.def.KeyField)
	}
	out := make(map[string]any, len(item))
	for field, value := range item {
		flags, declared := g.def.Field(field)
		// undeclared fields pass through so unknown platform fields survive
		if !declared || keep(flags) {
			out[field] = metadata.CloneValue(value)
		}
	}
	// portable reference fields never go over the wire
	for _, ref := range g.def.References {
		delete(out, ref.PortableField())
	}
	return out, nil
}
