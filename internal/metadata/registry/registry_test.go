package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
)

var tenant = metadata.TenantContext{Name: "dev", ID: "1001", Parent: "1000"}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(catalog.Default())
	require.NoError(t, err)
	return r
}

func TestNew_HandlerKinds(t *testing.T) {
	r := newRegistry(t)

	h, err := r.Get("folder")
	require.NoError(t, err)
	assert.IsType(t, &Folder{}, h)

	h, err = r.Get("list")
	require.NoError(t, err)
	assert.IsType(t, &FolderPath{}, h)

	h, err = r.Get("query")
	require.NoError(t, err)
	assert.IsType(t, &Generic{}, h)

	_, err = r.Get("bogus")
	assert.ErrorIs(t, err, metadata.ErrUnknownType)
	assert.Len(t, r.Types(), len(catalog.Default().Types()))
}

// readOnly only supports retrieval
type readOnly struct{ *Generic }

func (r readOnly) Normalize(s Scope, recs []map[string]any) ([]metadata.Item, error) {
	return r.Generic.Normalize(s, recs)
}

func TestCapabilities(t *testing.T) {
	r := newRegistry(t)
	def, _ := catalog.Default().Definition("automation")
	require.NoError(t, r.Register(readOnly{NewGeneric(def)}))

	_, err := r.Retrievable("automation")
	assert.NoError(t, err)
	_, err = r.Creatable("automation")
	assert.Error(t, err)
	_, err = r.Updatable("automation")
	assert.Error(t, err)

	_, err = r.Creatable("query")
	assert.NoError(t, err)

	bogus := &metadata.TypeDefinition{TypeName: "bogus", KeyField: "k"}
	assert.Error(t, r.Register(NewGeneric(bogus)))
}

func TestGeneric_Normalize(t *testing.T) {
	r := newRegistry(t)
	h, err := r.Retrievable("query")
	require.NoError(t, err)

	records := []map[string]any{
		{"key": "Q1", "name": "one", "queryDefinitionId": "x", "extra": map[string]any{"a": 1.0}},
	}
	items, err := h.Normalize(Scope{Tenant: tenant}, records)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x", items[0]["queryDefinitionId"])

	// normalized items do not alias the transport's records
	items[0]["extra"].(map[string]any)["a"] = 2.0
	assert.Equal(t, 1.0, records[0]["extra"].(map[string]any)["a"])

	_, err = h.Normalize(Scope{Tenant: tenant}, []map[string]any{{"name": "keyless"}})
	assert.Error(t, err)
}

func TestGeneric_ToWire(t *testing.T) {
	r := newRegistry(t)
	item := metadata.Item{
		"key":                  "Q1",
		"name":                 "one",
		"queryDefinitionId":    "x",
		"categoryId":           "5",
		"r__folder_path":       "Query/sub",
		"unknownPlatformField": true,
	}

	c, err := r.Creatable("query")
	require.NoError(t, err)
	payload, err := c.ToCreate(item)
	require.NoError(t, err)
	assert.Equal(t, "Q1", payload["key"])
	assert.NotContains(t, payload, "queryDefinitionId")
	assert.NotContains(t, payload, "r__folder_path")
	assert.Contains(t, payload, "unknownPlatformField")

	u, err := r.Updatable("query")
	require.NoError(t, err)
	payload, err = u.ToUpdate(item)
	require.NoError(t, err)
	assert.Equal(t, "Q1", payload["key"])
	assert.Equal(t, "x", payload["queryDefinitionId"])
	assert.Equal(t, "one", payload["name"])

	_, err = c.ToCreate(metadata.Item{"name": "no key"})
	assert.Error(t, err)
}

func TestFolder_Paths(t *testing.T) {
	r := newRegistry(t)
	h, err := r.Retrievable("folder")
	require.NoError(t, err)

	records := []map[string]any{
		{"customerKey": "c", "id": 3.0, "name": "Child", "parentId": 2.0},
		{"customerKey": "r", "id": 1.0, "name": "Data Extensions", "parentId": 0.0},
		{"customerKey": "m", "id": 2.0, "name": "Mid", "parentId": 1.0},
		{"customerKey": "o", "id": 4.0, "name": "Orphan", "parentId": 99.0},
	}
	items, err := h.Normalize(Scope{Tenant: tenant}, records)
	require.NoError(t, err)

	paths := map[string]string{}
	for _, it := range items {
		paths[it.String("customerKey")] = it.String("path")
	}
	assert.Equal(t, map[string]string{
		"c": "Data Extensions/Mid/Child",
		"r": "Data Extensions",
		"m": "Data Extensions/Mid",
		"o": "Orphan",
	}, paths)
}

func TestFolder_ParentFromCache(t *testing.T) {
	r := newRegistry(t)
	c := cache.New(catalog.Default())
	require.NoError(t, c.MergeShared(tenant, "folder", []metadata.Item{
		{"customerKey": "shared", "id": 1.0, "name": "Shared", "path": "Shared"},
	}))

	h, _ := r.Retrievable("folder")
	items, err := h.Normalize(Scope{Tenant: tenant, Cache: c}, []map[string]any{
		{"customerKey": "c", "id": 7.0, "name": "Local", "parentId": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "Shared/Local", items[0]["path"])
}

func TestFolder_CycleTerminates(t *testing.T) {
	r := newRegistry(t)
	h, _ := r.Retrievable("folder")
	items, err := h.Normalize(Scope{Tenant: tenant}, []map[string]any{
		{"customerKey": "a", "id": 1.0, "name": "A", "parentId": 2.0},
		{"customerKey": "b", "id": 2.0, "name": "B", "parentId": 1.0},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, items[0]["path"])
	assert.NotEmpty(t, items[1]["path"])
}

func TestFolderPath_List(t *testing.T) {
	r := newRegistry(t)
	c := cache.New(catalog.Default())
	require.NoError(t, c.SetItems(tenant, "folder", []metadata.Item{
		{"customerKey": "f", "id": 10.0, "name": "my lists", "path": "my lists"},
	}))

	h, _ := r.Retrievable("list")
	items, err := h.Normalize(Scope{Tenant: tenant, Cache: c}, []map[string]any{
		{"customerKey": "L1", "id": 1.0, "name": "All", "categoryId": 10.0},
		{"customerKey": "L2", "id": 2.0, "name": "Lost", "categoryId": 11.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "my lists/All", items[0]["path"])
	assert.Equal(t, "Lost", items[1]["path"])
}
