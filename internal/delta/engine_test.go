package delta_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/metasync/internal/delta"
	"github.com/conduit-lang/metasync/internal/delta/snapshot"
	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/store"
	"github.com/conduit-lang/metasync/internal/template"
	"github.com/conduit-lang/metasync/internal/validate"
)

// manifestLister diffs in-memory manifests keyed by ref
type manifestLister struct {
	refs     map[string]map[string]string
	contents map[string]string
}

func (l *manifestLister) ListChangedPaths(_ context.Context, before, after string) ([]delta.Change, error) {
	prev, ok := l.refs[before]
	if !ok {
		return nil, errors.New("unknown ref " + before)
	}
	curr, ok := l.refs[after]
	if !ok {
		return nil, errors.New("unknown ref " + after)
	}
	return snapshot.Diff(prev, curr), nil
}

func (l *manifestLister) Content(_ context.Context, ref, path string) ([]byte, error) {
	c, ok := l.contents[ref+":"+path]
	if !ok {
		return nil, errors.New("no content")
	}
	return []byte(c), nil
}

// changeLister returns fixed changes
type changeLister []delta.Change

func (l changeLister) ListChangedPaths(context.Context, string, string) ([]delta.Change, error) {
	return l, nil
}

func newEngine(lister delta.ChangeLister) (*delta.Engine, *store.FileStore) {
	fs := store.New(afero.NewMemMapFs(), catalog.Default())
	return delta.New(catalog.Default(), fs, lister, "retrieve"), fs
}

func TestGetDeltaList_SelfDiffIsEmpty(t *testing.T) {
	e, _ := newEngine(&manifestLister{refs: map[string]map[string]string{
		"v1": {"retrieve/dev/query/Q1.query-meta.json": "h1"},
	}})

	items, err := e.GetDeltaList(context.Background(), "v1", "v1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetDeltaList_DependencyOrder(t *testing.T) {
	e, _ := newEngine(changeLister{
		{Kind: delta.Modified, Path: "retrieve/dev/automation/A1.automation-meta.json"},
		{Kind: delta.Modified, Path: "retrieve/dev/query/Q1.query-meta.json"},
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/DE_2.dataExtension-meta.json"},
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/DE_1.dataExtension-meta.json"},
	})

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)

	var got []string
	for _, it := range items {
		got = append(got, it.TypeName+"/"+it.Key)
	}
	assert.Equal(t, []string{"dataExtension/DE_1", "dataExtension/DE_2", "query/Q1", "automation/A1"}, got)
}

func TestGetDeltaList_SiblingsDeduplicated(t *testing.T) {
	e, _ := newEngine(changeLister{
		{Kind: delta.Modified, Path: "retrieve/dev/query/Q1.query-meta.sql"},
		{Kind: delta.Modified, Path: "retrieve/dev/query/Q1.query-meta.json"},
		{Kind: delta.Modified, Path: "retrieve/dev/script/S1.script-meta.ssjs"},
		{Kind: delta.Added, Path: "retrieve/dev/asset/A1.asset-meta.html"},
		{Kind: delta.Added, Path: "retrieve/dev/asset/A1.asset-meta.json"},
	})

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []delta.Item{
		{TypeName: "query", Tenant: "dev", Key: "Q1", Kind: delta.Modified,
			Paths: []string{"retrieve/dev/query/Q1.query-meta.json", "retrieve/dev/query/Q1.query-meta.sql"}},
		{TypeName: "script", Tenant: "dev", Key: "S1", Kind: delta.Modified,
			Paths: []string{"retrieve/dev/script/S1.script-meta.ssjs"}},
		{TypeName: "asset", Tenant: "dev", Key: "A1", Kind: delta.Added,
			Paths: []string{"retrieve/dev/asset/A1.asset-meta.html", "retrieve/dev/asset/A1.asset-meta.json"}},
	}, items)
}

func TestGetDeltaList_Moved(t *testing.T) {
	e, _ := newEngine(changeLister{
		{Kind: delta.Moved, OldPath: "retrieve/dev/query/Old.query-meta.json", Path: "retrieve/dev/query/New.query-meta.json"},
		{Kind: delta.Moved, OldPath: "retrieve/dev/query/Old.query-meta.sql", Path: "retrieve/dev/query/New.query-meta.sql"},
		{Kind: delta.Moved, OldPath: "retrieve/dev/script/S1.script-meta.json", Path: "elsewhere/S1.json"},
	})

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, delta.Item{
		TypeName: "query", Tenant: "dev", Key: "New", Kind: delta.Moved, OldKey: "Old",
		Paths: []string{
			"retrieve/dev/query/New.query-meta.json",
			"retrieve/dev/query/New.query-meta.sql",
			"retrieve/dev/query/Old.query-meta.json",
			"retrieve/dev/query/Old.query-meta.sql",
		},
	}, items[0])
	assert.Equal(t, "S1", items[1].Key)
	assert.Equal(t, delta.Deleted, items[1].Kind)
}

func TestGetDeltaList_Filters(t *testing.T) {
	e, _ := newEngine(changeLister{
		{Kind: delta.Modified, Path: "README.md"},
		{Kind: delta.Modified, Path: "retrieve/dev/query/notes.txt"},
		{Kind: delta.Modified, Path: "retrieve/dev/query/Q1.query-meta.json"},
		{Kind: delta.Modified, Path: "retrieve/dev/script/S1.script-meta.json"},
		{Kind: delta.Modified, Path: "retrieve/prod/query/Q1.query-meta.json"},
	})

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Len(t, items, 3)

	items, err = e.GetDeltaList(context.Background(), "a", "b", "dev/query", "retrieve/prod")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "dev", items[0].Tenant)
	assert.Equal(t, "prod", items[1].Tenant)
}

func TestBuildDeltaDefinitions_PassThrough(t *testing.T) {
	lister := &manifestLister{
		refs: map[string]map[string]string{
			"v1": {"retrieve/dev/query/Q1.query-meta.sql": "a", "retrieve/dev/script/S1.script-meta.json": "s"},
			"v2": {"retrieve/dev/query/Q1.query-meta.sql": "b"},
		},
		contents: map[string]string{
			"v1:retrieve/dev/query/Q1.query-meta.sql": "SELECT 1\n",
			"v2:retrieve/dev/query/Q1.query-meta.sql": "SELECT 2\n",
		},
	}
	e, fs := newEngine(lister)
	_, err := fs.WriteItem("retrieve", "dev", "query", metadata.Item{"key": "Q1", "name": "Q", "queryText": "SELECT 2\n"})
	require.NoError(t, err)

	items, err := e.GetDeltaList(context.Background(), "v1", "v2")
	require.NoError(t, err)
	require.Len(t, items, 2)

	list, summary, err := e.BuildDeltaDefinitions(context.Background(), items, delta.BuildOptions{
		OutputRoot: "deltaPackage",
		Manifest:   true,
		Before:     "v1",
		After:      "v2",
	})
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, []string{"query"}, list.Types())
	assert.Equal(t, []report.Counts{
		{TypeName: "query", Succeeded: 1},
		{TypeName: "script", Skipped: 1},
	}, summary.Counts())

	written, err := fs.ReadItem("deltaPackage", "dev", "query", "Q1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2\n", written["queryText"])

	manifest, err := fs.ReadFile("deltaPackage/" + delta.ManifestFile)
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"changeKind": "deleted"`)

	changes, err := fs.ReadFile("deltaPackage/" + delta.ChangesFile)
	require.NoError(t, err)
	assert.Contains(t, string(changes), "-SELECT 1")
	assert.Contains(t, string(changes), "+SELECT 2")
}

func TestBuildDeltaDefinitions_MissingItem(t *testing.T) {
	e, _ := newEngine(changeLister{{Kind: delta.Modified, Path: "retrieve/dev/query/Q9.query-meta.json"}})

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)

	list, summary, err := e.BuildDeltaDefinitions(context.Background(), items, delta.BuildOptions{OutputRoot: "out"})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Len())
	assert.ErrorIs(t, summary.Err(), store.ErrNotExist)
}

func TestBuildDeltaDefinitions_Validation(t *testing.T) {
	v, err := validate.NewExprValidator([]validate.Rule{
		{Name: "noSpain", Types: []string{"dataExtension"}, Expression: `not (name contains "Spain")`},
		{Name: "notDraft", Types: []string{"dataExtension"}, Expression: `!(name startsWith "DRAFT")`, Fix: validate.FixRemove},
		{Name: "noOwner", Types: []string{"dataExtension"}, Expression: `item.owner == nil`, Fix: "unset:owner"},
	})
	require.NoError(t, err)

	fs := store.New(afero.NewMemMapFs(), catalog.Default())
	e := delta.New(catalog.Default(), fs, changeLister{
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/Sales_Germany.dataExtension-meta.json"},
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/Sales_Spain.dataExtension-meta.json"},
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/Sales_Draft.dataExtension-meta.json"},
	}, "retrieve", delta.WithValidator(v))

	for _, item := range []metadata.Item{
		{"customerKey": "Sales_Germany", "name": "Sales Germany", "owner": "me"},
		{"customerKey": "Sales_Spain", "name": "Sales Spain"},
		{"customerKey": "Sales_Draft", "name": "DRAFT Sales"},
	} {
		_, err := fs.WriteItem("retrieve", "dev", "dataExtension", item)
		require.NoError(t, err)
	}

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, items, 3)

	list, summary, err := e.BuildDeltaDefinitions(context.Background(), items, delta.BuildOptions{OutputRoot: "deltaPackage"})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, []report.Counts{
		{TypeName: "dataExtension", Succeeded: 1, Skipped: 1, Removed: 1},
	}, summary.Counts())

	written, err := fs.ReadItem("deltaPackage", "dev", "dataExtension", "Sales_Germany")
	require.NoError(t, err)
	assert.NotContains(t, written, "owner", "fixes are applied before the item is packaged")

	keys, err := fs.Keys("deltaPackage", "dev", "dataExtension")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sales_Germany"}, keys)

	var rejected error
	for _, entry := range summary.Entries() {
		if entry.Key == "Sales_Spain" {
			rejected = entry.Err
		}
	}
	var verr *metadata.ValidationError
	require.True(t, errors.As(rejected, &verr))
	assert.Equal(t, "noSpain", verr.Rule)
}

func TestBuildDeltaDefinitions_Templated(t *testing.T) {
	dev := metadata.TenantContext{Name: "dev", ID: "1001"}
	prod := metadata.TenantContext{Name: "prod", ID: "2002"}

	mc := cache.New(catalog.Default())
	require.NoError(t, mc.SetItems(dev, "folder", []metadata.Item{
		{"customerKey": "f10", "id": "10", "name": "Data", "path": "Data"},
	}))
	require.NoError(t, mc.SetItems(prod, "folder", []metadata.Item{
		{"customerKey": "f90", "id": "90", "name": "Data", "path": "Data"},
	}))

	fs := store.New(afero.NewMemMapFs(), catalog.Default())
	e := delta.New(catalog.Default(), fs, changeLister{
		{Kind: delta.Added, Path: "retrieve/dev/dataExtension/Sales_Germany.dataExtension-meta.json"},
		{Kind: delta.Added, Path: "retrieve/qa/dataExtension/Sales_Test.dataExtension-meta.json"},
	}, "retrieve")
	_, err := fs.WriteItem("retrieve", "dev", "dataExtension", metadata.Item{
		"customerKey": "Sales_Germany", "objectId": "de-1", "name": "Sales Germany", "categoryId": "10",
	})
	require.NoError(t, err)
	_, err = fs.WriteItem("retrieve", "qa", "dataExtension", metadata.Item{
		"customerKey": "Sales_Test", "name": "Sales Test", "categoryId": "10",
	})
	require.NoError(t, err)

	items, err := e.GetDeltaList(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, items, 2)

	builder := template.NewBuilder(catalog.Default(), mc, fs, template.Options{DeployRoot: "deltaPackage"})
	list, summary, err := e.BuildDeltaDefinitions(context.Background(), items, delta.BuildOptions{
		OutputRoot: "deltaPackage",
		Builder:    builder,
		Source:     dev,
		Target:     prod,
		From:       template.Variables{"suffix": "Germany"},
		To:         template.Variables{"suffix": "Austria"},
	})
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, []report.Counts{
		{TypeName: "dataExtension", Succeeded: 1, Skipped: 1},
	}, summary.Counts())

	built, err := fs.ReadItem("deltaPackage", "prod", "dataExtension", "Sales_Austria")
	require.NoError(t, err)
	assert.Equal(t, "Sales Austria", built["name"])
	assert.Equal(t, "90", built.String("categoryId"))
	assert.NotContains(t, built, "r__folder_path")

	_, err = fs.ReadItem("deltaPackage", "dev", "dataExtension", "Sales_Germany")
	assert.ErrorIs(t, err, store.ErrNotExist, "source items are not copied")

	var skipped []string
	for _, entry := range summary.Entries() {
		if entry.Outcome == report.Skipped {
			skipped = append(skipped, entry.Key+": "+entry.Message)
		}
	}
	assert.Equal(t, []string{"Sales_Test: belongs to qa, not dev"}, skipped)
}
