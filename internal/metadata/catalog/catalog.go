// Package catalog loads the static type definitions consumed by the
// synchronization engine.
package catalog

import (
	_ "embed"
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/conduit-lang/metasync/internal/metadata"
)

//go:embed types.yaml
var builtinTypes []byte

// document is the on-disk layout of a catalog file
type document struct {
	DefaultTypes []string                  `json:"defaultTypes"`
	Types        []metadata.TypeDefinition `json:"types"`
}

// Catalog is an in-memory, declaration-ordered type catalog
type Catalog struct {
	order        []string
	defs         map[string]*metadata.TypeDefinition
	defaultTypes []string
}

// Default returns the catalog built into the binary
func Default() *Catalog {
	c, err := Parse(builtinTypes)
	if err != nil {
		panic(fmt.Sprintf("builtin type catalog is invalid: %v", err))
	}
	return c
}

// Parse decodes a YAML catalog document
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse type catalog: %w", err)
	}
	return New(doc.Types, doc.DefaultTypes)
}

// New builds a catalog from definitions in declaration order
func New(defs []metadata.TypeDefinition, defaultTypes []string) (*Catalog, error) {
	c := &Catalog{
		order: make([]string, 0, len(defs)),
		defs:  make(map[string]*metadata.TypeDefinition, len(defs)),
	}

	for i := range defs {
		def := defs[i]
		if def.TypeName == "" {
			return nil, fmt.Errorf("type definition #%d has no typeName", i)
		}
		if _, dup := c.defs[def.TypeName]; dup {
			return nil, fmt.Errorf("type %q is declared twice", def.TypeName)
		}
		if def.KeyField == "" {
			return nil, fmt.Errorf("type %q has no keyField", def.TypeName)
		}
		if def.PaginationStyle == "" {
			def.PaginationStyle = metadata.PaginationNone
		}
		c.order = append(c.order, def.TypeName)
		c.defs[def.TypeName] = &def
	}

	// References and dependencies must point at declared types
	for _, name := range c.order {
		def := c.defs[name]
		for _, dep := range def.Dependencies {
			if _, ok := c.defs[dep]; !ok {
				return nil, fmt.Errorf("type %q depends on undeclared type %q", name, dep)
			}
		}
		if def.FolderType != "" {
			if _, ok := c.defs[def.FolderType]; !ok {
				return nil, fmt.Errorf("type %q uses undeclared folder type %q", name, def.FolderType)
			}
		}
		for _, ref := range def.References {
			if _, ok := c.defs[ref.Type]; !ok {
				return nil, fmt.Errorf("type %q references undeclared type %q", name, ref.Type)
			}
		}
	}

	if len(defaultTypes) == 0 {
		defaultTypes = c.order
	}
	for _, name := range defaultTypes {
		if _, ok := c.defs[name]; !ok {
			return nil, &metadata.UnknownTypeError{TypeName: name}
		}
	}
	c.defaultTypes = append([]string(nil), defaultTypes...)

	return c, nil
}

// Definition returns the definition of a type
func (c *Catalog) Definition(typeName string) (*metadata.TypeDefinition, error) {
	def, ok := c.defs[typeName]
	if !ok {
		return nil, &metadata.UnknownTypeError{TypeName: typeName}
	}
	return def, nil
}

// Types returns all type names in declaration order
func (c *Catalog) Types() []string {
	return append([]string(nil), c.order...)
}

// DefaultTypes returns the types retrieved when none are requested
func (c *Catalog) DefaultTypes() []string {
	return append([]string(nil), c.defaultTypes...)
}
