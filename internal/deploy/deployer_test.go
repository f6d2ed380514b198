package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
	"github.com/conduit-lang/metasync/internal/metadata/registry"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/transport"
	"github.com/conduit-lang/metasync/internal/transport/transporttest"
	"github.com/conduit-lang/metasync/internal/validate"
)

var prod = metadata.TenantContext{Name: "prod", ID: "2002"}

func newTestDeployer(t *testing.T) (*Deployer, *cache.MetadataCache, *transporttest.Fake) {
	t.Helper()
	cat := catalog.Default()
	reg, err := registry.New(cat)
	require.NoError(t, err)

	mc := cache.New(cat)
	require.NoError(t, mc.SetItems(prod, "folder", []metadata.Item{
		{"customerKey": "f1", "id": "90", "name": "Queries", "path": "Queries"},
	}))
	require.NoError(t, mc.SetItems(prod, "dataExtension", []metadata.Item{
		{"customerKey": "DE_OLD", "objectId": "old-1", "name": "Old", "categoryId": "90"},
	}))
	require.NoError(t, mc.SetItems(prod, "query", nil))

	fake := transporttest.New()
	fake.IDField["dataExtension"] = "objectId"
	fake.IDField["query"] = "queryDefinitionId"
	fake.IDField["folder"] = "id"

	d := New(cat, reg, mc, transporttest.Provider(map[string]*transporttest.Fake{"2002": fake}), Options{Concurrency: 2})
	return d, mc, fake
}

func TestDeploy_CreateThenResolveDependents(t *testing.T) {
	d, mc, fake := newTestDeployer(t)

	list := metadata.NewMultiTypeItemList()
	// dependents listed first; the deployer reorders
	list.Add("query", metadata.Item{
		"key": "Q1", "name": "Q", "queryText": "SELECT 1",
		"r__folder_path": "Queries", "r__dataExtension_customerKey": "DE_NEW",
	})
	list.Add("dataExtension",
		metadata.Item{"customerKey": "DE_NEW", "name": "New", "r__folder_path": "Queries"},
		metadata.Item{"customerKey": "DE_OLD", "name": "Old renamed", "r__folder_path": "Queries"},
	)

	summary, err := d.Deploy(context.Background(), prod, list)
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []report.Counts{
		{TypeName: "dataExtension", Succeeded: 2},
		{TypeName: "query", Succeeded: 1},
	}, summary.Counts())

	mutations := fake.Mutations()
	require.Len(t, mutations, 3)

	byKey := map[string]transporttest.Mutation{}
	for _, m := range mutations {
		byKey[metadata.Item(m.Record).String("customerKey")+metadata.Item(m.Record).String("key")] = m
	}
	assert.Equal(t, transport.OpCreate, byKey["DE_NEW"].Op)
	assert.Equal(t, transport.OpUpdate, byKey["DE_OLD"].Op)
	assert.Equal(t, "old-1", byKey["DE_OLD"].Record["objectId"])
	assert.Equal(t, "90", metadata.Item(byKey["DE_OLD"].Record).String("categoryId"))

	// the query was deployed last and points at the id assigned on create
	q := mutations[2]
	assert.Equal(t, "query", q.TypeName)
	assert.Equal(t, transport.OpCreate, q.Op)
	newID, err := mc.Lookup(prod, "dataExtension", "DE_NEW", "key", "id")
	require.NoError(t, err)
	assert.Equal(t, newID, q.Record["targetId"])
	assert.NotContains(t, q.Record, "r__dataExtension_customerKey")

	_, ok := mc.Get(prod, "query", "Q1")
	assert.True(t, ok)
}

func TestDeploy_UnresolvedReferenceFailsItem(t *testing.T) {
	d, _, fake := newTestDeployer(t)

	list := metadata.NewMultiTypeItemList()
	list.Add("query",
		metadata.Item{"key": "Q1", "r__dataExtension_customerKey": "DE_MISSING"},
		metadata.Item{"key": "Q2", "r__dataExtension_customerKey": "DE_OLD"},
	)

	summary, err := d.Deploy(context.Background(), prod, list)
	require.NoError(t, err)
	assert.ErrorIs(t, summary.Err(), metadata.ErrNotFoundInCache)
	assert.Equal(t, []report.Counts{{TypeName: "query", Succeeded: 1, Failed: 1}}, summary.Counts())
	assert.Len(t, fake.Mutations(), 1)
}

func TestDeploy_TransportError(t *testing.T) {
	d, _, fake := newTestDeployer(t)
	fake.Fail("dataExtension", errors.New("boom"))

	list := metadata.NewMultiTypeItemList()
	list.Add("dataExtension", metadata.Item{"customerKey": "DE_NEW", "name": "New"})

	summary, err := d.Deploy(context.Background(), prod, list)
	require.NoError(t, err)
	assert.ErrorIs(t, summary.Err(), metadata.ErrTransport)
}

func TestDeploy_FoldersParentFirst(t *testing.T) {
	d, mc, fake := newTestDeployer(t)

	list := metadata.NewMultiTypeItemList()
	list.Add("folder",
		metadata.Item{"customerKey": "child", "name": "Child", "path": "Queries/New/Child", "r__folder_path": "Queries/New"},
		metadata.Item{"customerKey": "new", "name": "New", "path": "Queries/New", "r__folder_path": "Queries"},
	)

	summary, err := d.Deploy(context.Background(), prod, list)
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	mutations := fake.Mutations()
	require.Len(t, mutations, 2)
	assert.Equal(t, "new", mutations[0].Record["customerKey"])
	assert.Equal(t, "90", metadata.Item(mutations[0].Record).String("parentId"))
	assert.Equal(t, mutations[0].Record["id"], mutations[1].Record["parentId"])

	path, err := mc.GetPath(prod, "folder", metadata.Item(mutations[1].Record).String("id"))
	require.NoError(t, err)
	assert.Equal(t, "Queries/New/Child", path)
}

func TestDeploy_NoTransport(t *testing.T) {
	d, _, _ := newTestDeployer(t)
	list := metadata.NewMultiTypeItemList()
	list.Add("query", metadata.Item{"key": "Q1"})

	_, err := d.Deploy(context.Background(), metadata.TenantContext{Name: "x", ID: "404"}, list)
	assert.ErrorContains(t, err, "failed to connect")
}

func TestDeploy_Validation(t *testing.T) {
	d, _, fake := newTestDeployer(t)
	v, err := validate.NewExprValidator([]validate.Rule{
		{Name: "noSpain", Expression: `not (name contains "Spain")`},
		{Name: "notDraft", Expression: `!(name startsWith "DRAFT")`, Fix: validate.FixRemove},
	})
	require.NoError(t, err)
	WithValidator(v)(d)

	list := metadata.NewMultiTypeItemList()
	list.Add("dataExtension",
		metadata.Item{"customerKey": "Sales_Germany", "name": "Sales Germany", "r__folder_path": "Queries"},
		metadata.Item{"customerKey": "Sales_Spain", "name": "Sales Spain", "r__folder_path": "Queries"},
		metadata.Item{"customerKey": "Sales_Draft", "name": "DRAFT Sales", "r__folder_path": "Queries"},
	)

	summary, err := d.Deploy(context.Background(), prod, list)
	require.NoError(t, err)
	assert.False(t, summary.HasFailures())
	var verr *metadata.ValidationError
	require.True(t, errors.As(summary.Err(), &verr))
	assert.Equal(t, "Sales_Spain", verr.Key)
	assert.Equal(t, []report.Counts{
		{TypeName: "dataExtension", Succeeded: 1, Skipped: 1, Removed: 1},
	}, summary.Counts())

	mutations := fake.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, "Sales_Germany", mutations[0].Record["customerKey"])
}
