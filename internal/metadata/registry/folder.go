package registry

import (
	"strings"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Folder computes the slash-separated path of every folder from its parent
// chain. Folders form an arena indexed by id; parents are resolved lazily,
// first within the retrieved set and then through the cache (shared folders
// of a parent tenant).
type Folder struct {
	*Generic
}

// Normalize sets the path field of every folder
func (f *Folder) Normalize(scope Scope, records []map[string]any) ([]metadata.Item, error) {
	items, err := f.Generic.Normalize(scope, records)
	if err != nil {
		return nil, err
	}

	def := f.def
	parentRef, _ := def.ReferenceFor(parentField(def))

	byID := make(map[string]metadata.Item, len(items))
	for _, item := range items {
		if id := item.String(def.IDField); id != "" {
			byID[id] = item
		}
	}

	paths := make(map[string]string, len(items))
	var resolve func(id string, depth int) string
	resolve = func(id string, depth int) string {
		if p, ok := paths[id]; ok {
			return p
		}
		item, ok := byID[id]
		if !ok {
			if scope.Cache != nil {
				if p, err := scope.Cache.Lookup(scope.Tenant, def.TypeName, id, def.IDField, def.PathField); err == nil {
					return p
				}
			}
			return ""
		}
		name := item.String(def.NameField)
		parentID := item.String(parentRef.Field)
		// a cyclic parent chain is cut at the folder that closes it
		if parentID == "" || parentID == "0" || parentID == id || depth > len(byID) {
			paths[id] = name
			return name
		}
		parentPath := resolve(parentID, depth+1)
		p := name
		if parentPath != "" {
			p = parentPath + "/" + name
		}
		paths[id] = p
		return p
	}

	for _, item := range items {
		id := item.String(def.IDField)
		if id == "" {
			item[def.PathField] = item.String(def.NameField)
			continue
		}
		item[def.PathField] = resolve(id, 0)
	}
	return items, nil
}

// FolderPath computes "folderPath/name" for types identified by their
// location rather than by a stable key
type FolderPath struct {
	*Generic
}

// Normalize sets the path field from the item's folder
func (f *FolderPath) Normalize(scope Scope, records []map[string]any) ([]metadata.Item, error) {
	items, err := f.Generic.Normalize(scope, records)
	if err != nil {
		return nil, err
	}

	def := f.def
	folderField := ""
	for _, ref := range def.References {
		if ref.Type == def.FolderType {
			folderField = ref.Field
			break
		}
	}

	for _, item := range items {
		name := item.String(def.NameField)
		folderID := item.String(folderField)
		if folderID == "" || scope.Cache == nil {
			item[def.PathField] = name
			continue
		}
		folderPath, err := scope.Cache.Lookup(scope.Tenant, def.FolderType, folderID, "id", "path")
		if err != nil {
			item[def.PathField] = name
			continue
		}
		item[def.PathField] = strings.TrimSuffix(folderPath, "/") + "/" + name
	}
	return items, nil
}

func parentField(def *metadata.TypeDefinition) string {
	for _, ref := range def.References {
		if ref.Type == def.TypeName {
			return ref.Field
		}
	}
	return ""
}
