package template

import (
	"github.com/conduit-lang/metasync/internal/metadata"
)

// Lookuper resolves values across types; implemented by the metadata cache
type Lookuper interface {
	Lookup(tenant metadata.TenantContext, typeName, searchValue, searchField, returnField string) (string, error)
}

// ToPortable replaces tenant-bound reference fields (ids) with the portable
// value of the referenced item, stored under the reference's portable field.
// References that cannot be resolved are left in place and returned so the
// caller can warn about them.
func ToPortable(cache Lookuper, tenant metadata.TenantContext, def *metadata.TypeDefinition, item metadata.Item) (metadata.Item, []error) {
	out := item.Clone()
	var misses []error
	for _, ref := range def.References {
		value := out.String(ref.Field)
		if value == "" || value == "0" {
			continue
		}
		portable, err := cache.Lookup(tenant, ref.Type, value, ref.Via, ref.Portable)
		if err != nil {
			misses = append(misses, err)
			continue
		}
		out[ref.PortableField()] = portable
		delete(out, ref.Field)
	}
	return out, misses
}

// ToConcrete resolves portable reference fields into the target tenant's
// identifiers. Unresolved references keep their portable field so a later
// pass (for example after the referenced item was created) can retry.
func ToConcrete(cache Lookuper, target metadata.TenantContext, def *metadata.TypeDefinition, item metadata.Item) (metadata.Item, []error) {
	out := item.Clone()
	var misses []error
	for _, ref := range def.References {
		portable := out.String(ref.PortableField())
		if portable == "" {
			continue
		}
		value, err := cache.Lookup(target, ref.Type, portable, ref.Portable, ref.Via)
		if err != nil {
			misses = append(misses, err)
			continue
		}
		out[ref.Field] = value
		delete(out, ref.PortableField())
	}
	return out, misses
}

// Unresolved lists the portable reference fields still present on item
func Unresolved(def *metadata.TypeDefinition, item metadata.Item) []string {
	var fields []string
	for _, ref := range def.References {
		if _, ok := item[ref.PortableField()]; ok {
			fields = append(fields, ref.PortableField())
		}
	}
	return fields
}
