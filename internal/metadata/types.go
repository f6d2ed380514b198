// Package metadata defines the kind-agnostic data model shared by the
// synchronization engine: type definitions, items, tenant scopes and the
// typed errors every component reports.
package metadata

import (
	"fmt"
	"sort"
)

// PaginationStyle describes how the remote platform pages a type's list call
type PaginationStyle string

const (
	// PaginationNone returns every record in a single response
	PaginationNone PaginationStyle = "none"
	// PaginationPage uses numbered pages ($page/$pageSize)
	PaginationPage PaginationStyle = "page"
	// PaginationToken uses an opaque continuation token returned with each page
	PaginationToken PaginationStyle = "token"
)

// FieldFlags holds the static capability flags of a single field
type FieldFlags struct {
	Creatable    bool `json:"creatable"`
	Updatable    bool `json:"updatable"`
	Retrievable  bool `json:"retrievable"`
	Templateable bool `json:"templateable"`
}

// Reference declares a field holding another type's identifier.
//
// Field holds the tenant-bound value (usually an id), Via is the field of the
// referenced type it matches, and Portable is the referenced type's field
// that is stable across tenants (key or path).
type Reference struct {
	Field    string `json:"field"`
	Type     string `json:"type"`
	Via      string `json:"via"`
	Portable string `json:"portable"`
}

// PortableField returns the name of the field carrying the portable value
// in templates, e.g. r__folder_path
func (r Reference) PortableField() string {
	return "r__" + r.Type + "_" + r.Portable
}

// TypeDefinition is the immutable static description of one metadata type
type TypeDefinition struct {
	TypeName        string                `json:"typeName"`
	KeyField        string                `json:"keyField"`
	NameField       string                `json:"nameField"`
	IDField         string                `json:"idField"`
	Dependencies    []string              `json:"dependencies,omitempty"`
	FolderType      string                `json:"folderType,omitempty"`
	PaginationStyle PaginationStyle       `json:"paginationStyle,omitempty"`
	RestPath        string                `json:"restPath,omitempty"`
	Fields          map[string]FieldFlags `json:"fields,omitempty"`
	References      []Reference           `json:"references,omitempty"`

	// ExtractedFields maps a field to the file extension it is stored under
	// as a sibling of the item's JSON file (e.g. queryText -> sql).
	ExtractedFields map[string]string `json:"extractedFields,omitempty"`

	// PathField names a composite folder-qualified identity ("folder/name")
	// for types that expose no single human-stable key.
	PathField string `json:"pathField,omitempty"`
}

// Field returns the flags for a field, and whether the field is declared
func (d *TypeDefinition) Field(name string) (FieldFlags, bool) {
	f, ok := d.Fields[name]
	return f, ok
}

// TemplateableFields returns the sorted names of fields flagged templateable
func (d *TypeDefinition) TemplateableFields() []string {
	names := make([]string, 0, len(d.Fields))
	for name, f := range d.Fields {
		if f.Templateable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ReferenceFor returns the reference declared on field, if any
func (d *TypeDefinition) ReferenceFor(field string) (Reference, bool) {
	for _, ref := range d.References {
		if ref.Field == field {
			return ref, true
		}
	}
	return Reference{}, false
}

// Catalog is the read-only lookup table of type definitions
type Catalog interface {
	// Definition returns the definition of a type or an UnknownTypeError
	Definition(typeName string) (*TypeDefinition, error)
	// Types returns all type names in declaration order
	Types() []string
	// DefaultTypes returns the types retrieved when none are requested
	DefaultTypes() []string
}

// Item is a single metadata item: field name to value
type Item map[string]any

// String returns the string form of a field, or "" if absent
func (i Item) String(field string) string {
	v, ok := i[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Clone returns a deep copy of the item
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	out := make(Item, len(i))
	for k, v := range i {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices nested in v
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = CloneValue(vv)
		}
		return m
	case Item:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for idx, vv := range t {
			s[idx] = CloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// MultiTypeItemList is an ordered-by-type collection of items
type MultiTypeItemList struct {
	order []string
	items map[string][]Item
}

// NewMultiTypeItemList creates an empty list
func NewMultiTypeItemList() *MultiTypeItemList {
	return &MultiTypeItemList{items: make(map[string][]Item)}
}

// Add appends items under typeName, registering the type on first use
func (l *MultiTypeItemList) Add(typeName string, items ...Item) {
	if _, ok := l.items[typeName]; !ok {
		l.order = append(l.order, typeName)
		l.items[typeName] = make([]Item, 0, len(items))
	}
	l.items[typeName] = append(l.items[typeName], items...)
}

// Types returns the type names in insertion order
func (l *MultiTypeItemList) Types() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Items returns the items stored for typeName
func (l *MultiTypeItemList) Items(typeName string) []Item {
	return l.items[typeName]
}

// Len returns the total number of items across all types
func (l *MultiTypeItemList) Len() int {
	n := 0
	for _, items := range l.items {
		n += len(items)
	}
	return n
}

// TenantContext scopes every cache and transport call to one tenant
type TenantContext struct {
	// Name is the configured tenant name, also used as directory name
	Name string
	// ID is the platform-assigned tenant identifier
	ID string
	// Parent is the ID of the tenant whose items are visible as fallback
	Parent string
	// ParentName is the configured name of the parent tenant
	ParentName string
}

// ParentContext returns the context of t's parent; it is empty when t has
// no parent
func (t TenantContext) ParentContext() TenantContext {
	return TenantContext{Name: t.ParentName, ID: t.Parent}
}

func (t TenantContext) String() string {
	if t.Name == "" {
		return t.ID
	}
	return t.Name + "(" + t.ID + ")"
}
