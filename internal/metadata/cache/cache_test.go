package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
)

var (
	child  = metadata.TenantContext{Name: "child", ID: "1001", Parent: "1000"}
	parent = metadata.TenantContext{Name: "parent", ID: "1000"}
	other  = metadata.TenantContext{Name: "other", ID: "2002"}
)

func newTestCache(t *testing.T, opts ...Option) *MetadataCache {
	t.Helper()
	return New(catalog.Default(), opts...)
}

func TestLookup_ByID(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "abc", "name": "One"},
	}))

	key, err := c.Lookup(child, "dataExtension", "abc", "id", "key")
	require.NoError(t, err)
	assert.Equal(t, "DE_1", key)

	_, err = c.Lookup(other, "dataExtension", "abc", "id", "key")
	require.Error(t, err)
	assert.True(t, metadata.IsNotFoundInCache(err))
}

func TestLookup_ArbitraryField(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "abc", "name": "One"},
		{"customerKey": "DE_2", "objectId": "def", "name": "Two"},
	}))

	id, err := c.Lookup(child, "dataExtension", "Two", "name", "id")
	require.NoError(t, err)
	assert.Equal(t, "def", id)

	_, err = c.Lookup(child, "dataExtension", "DE_1", "key", "missingField")
	assert.True(t, metadata.IsNotFoundInCache(err))
}

func TestLookup_UnknownType(t *testing.T) {
	_, err := newTestCache(t).Lookup(child, "bogus", "x", "id", "key")
	assert.ErrorIs(t, err, metadata.ErrUnknownType)
}

func TestSetItems_Replaces(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "query", []metadata.Item{{"key": "Q1"}, {"key": "Q2"}}))
	require.NoError(t, c.SetItems(child, "query", []metadata.Item{{"key": "Q3"}}))

	items := c.Items(child, "query")
	require.Len(t, items, 1)
	assert.Equal(t, "Q3", items[0]["key"])
}

func TestMergeItems_KeepsAndOverwrites(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "query", []metadata.Item{
		{"key": "Q1", "name": "old"},
		{"key": "Q2", "name": "two"},
	}))
	require.NoError(t, c.MergeItems(child, "query", []metadata.Item{
		{"key": "Q1", "name": "new"},
		{"key": "Q3", "name": "three"},
	}))

	items := c.Items(child, "query")
	require.Len(t, items, 3)
	assert.Equal(t, []string{"Q1", "Q2", "Q3"}, []string{
		items[0].String("key"), items[1].String("key"), items[2].String("key"),
	})

	item, ok := c.Get(child, "query", "Q1")
	require.True(t, ok)
	assert.Equal(t, "new", item["name"])
}

func TestMergeItems_ReindexesIDAndPath(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.MergeItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "old"},
	}))
	require.NoError(t, c.MergeItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "new"},
	}))

	_, err := c.Lookup(child, "dataExtension", "old", "id", "key")
	assert.True(t, metadata.IsNotFoundInCache(err))
	key, err := c.Lookup(child, "dataExtension", "new", "id", "key")
	require.NoError(t, err)
	assert.Equal(t, "DE_1", key)

	require.NoError(t, c.SetItems(child, "folder", []metadata.Item{
		{"customerKey": "f1", "id": "10", "name": "A", "path": "A"},
	}))
	require.NoError(t, c.MergeItems(child, "folder", []metadata.Item{
		{"customerKey": "f1", "id": "10", "name": "B", "path": "Moved/B"},
	}))

	_, err = c.GetReference(child, "folder", "A", "id")
	assert.True(t, metadata.IsNotFoundInCache(err))
	id, err := c.GetReference(child, "folder", "Moved/B", "id")
	require.NoError(t, err)
	assert.Equal(t, "10", id)
	path, err := c.GetPath(child, "folder", "10")
	require.NoError(t, err)
	assert.Equal(t, "Moved/B", path)
}

func TestMergeShared_ChildShadowsParent(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "SHARED", "objectId": "child-id"},
	}))
	require.NoError(t, c.MergeShared(child, "dataExtension", []metadata.Item{
		{"customerKey": "SHARED", "objectId": "parent-id"},
		{"customerKey": "ONLY_PARENT", "objectId": "p2"},
	}))

	id, err := c.Lookup(child, "dataExtension", "SHARED", "key", "id")
	require.NoError(t, err)
	assert.Equal(t, "child-id", id)

	id, err = c.Lookup(child, "dataExtension", "ONLY_PARENT", "key", "id")
	require.NoError(t, err)
	assert.Equal(t, "p2", id)

	id, err = c.Lookup(parent, "dataExtension", "SHARED", "key", "id")
	require.NoError(t, err)
	assert.Equal(t, "parent-id", id)

	// fallback applies only to the type that was shared
	require.NoError(t, c.MergeItems(parent, "query", []metadata.Item{{"key": "PQ"}}))
	_, ok := c.Get(child, "query", "PQ")
	assert.False(t, ok)
}

func TestMergeShared_ShadowedKeyNotFoundByID(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.MergeShared(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "p1", "name": "parent"},
	}))
	require.NoError(t, c.SetItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "c1", "name": "child"},
	}))

	_, err := c.Lookup(child, "dataExtension", "p1", "id", "name")
	assert.True(t, metadata.IsNotFoundInCache(err), "the child's DE_1 shadows the parent's")

	name, err := c.Lookup(child, "dataExtension", "c1", "id", "name")
	require.NoError(t, err)
	assert.Equal(t, "child", name)

	name, err = c.Lookup(parent, "dataExtension", "p1", "id", "name")
	require.NoError(t, err)
	assert.Equal(t, "parent", name)
}

func TestMergeShared_NoParent(t *testing.T) {
	err := newTestCache(t).MergeShared(other, "folder", nil)
	assert.Error(t, err)
}

func TestCrossTenantMergeIsScoped(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.MergeItems(parent, "dataExtension", []metadata.Item{
		{"customerKey": "P", "objectId": "p"},
	}))

	_, err := c.Lookup(child, "dataExtension", "P", "key", "id")
	assert.True(t, metadata.IsNotFoundInCache(err))
}

func TestPathAndReference(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "list", []metadata.Item{
		{"customerKey": "L1", "id": "17", "name": "All Subs", "path": "my lists/All Subs"},
	}))

	path, err := c.GetPath(child, "list", "17")
	require.NoError(t, err)
	assert.Equal(t, "my lists/All Subs", path)

	id, err := c.GetReference(child, "list", "my lists/All Subs", "id")
	require.NoError(t, err)
	assert.Equal(t, "17", id)
}

func TestInit_ResetsTenant(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "folder", []metadata.Item{{"customerKey": "f", "id": "1"}}))
	require.NoError(t, c.SetItems(other, "folder", []metadata.Item{{"customerKey": "f", "id": "2"}}))

	c.Init(child)
	c.Init(child)

	assert.False(t, c.Has(child, "folder"))
	assert.True(t, c.Has(other, "folder"))
	assert.Equal(t, []string{"2002"}, c.Tenants())

	c.Reset()
	assert.Empty(t, c.Tenants())
}

func TestNumericIDs(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.SetItems(child, "folder", []metadata.Item{
		{"customerKey": "f1", "id": float64(1234), "path": "Data Extensions/Sub"},
	}))

	path, err := c.GetPath(child, "folder", "1234")
	require.NoError(t, err)
	assert.Equal(t, "Data Extensions/Sub", path)
}

func TestConcurrentBuckets(t *testing.T) {
	c := newTestCache(t)
	types := []string{"folder", "dataExtension", "query", "script", "automation"}

	var wg sync.WaitGroup
	for _, typeName := range types {
		wg.Add(1)
		go func(typeName string) {
			defer wg.Done()
			def, _ := catalog.Default().Definition(typeName)
			for i := 0; i < 100; i++ {
				item := metadata.Item{def.KeyField: fmt.Sprintf("%s-%d", typeName, i)}
				_ = c.MergeItems(child, typeName, []metadata.Item{item})
				_, _ = c.Lookup(child, typeName, fmt.Sprintf("%s-%d", typeName, i), "key", "key")
			}
		}(typeName)
	}
	wg.Wait()

	for _, typeName := range types {
		assert.Len(t, c.Items(child, typeName), 100)
	}
}

func TestPersistAndWarm(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(DefaultStoreConfig())

	first := newTestCache(t, WithStore(store))
	require.NoError(t, first.SetItems(child, "dataExtension", []metadata.Item{
		{"customerKey": "DE_1", "objectId": "abc"},
	}))
	require.NoError(t, first.Persist(ctx, child, "dataExtension"))

	second := newTestCache(t, WithStore(store))
	ok, err := second.Warm(ctx, child, "dataExtension")
	require.NoError(t, err)
	assert.True(t, ok)

	key, err := second.Lookup(child, "dataExtension", "abc", "id", "key")
	require.NoError(t, err)
	assert.Equal(t, "DE_1", key)

	ok, err = second.Warm(ctx, child, "query")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWarm_NoStore(t *testing.T) {
	c := newTestCache(t)
	ok, err := c.Warm(context.Background(), child, "folder")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Persist(context.Background(), child, "folder"))
}
