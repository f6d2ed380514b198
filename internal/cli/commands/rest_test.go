package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/cli/config"
	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
)

// remote serves the REST API of several tenants under /<tenant>/
type remote struct {
	server *httptest.Server

	mu      sync.Mutex
	records map[string]map[string][]map[string]any
	fetched map[string]int
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	rm := &remote{
		records: map[string]map[string][]map[string]any{},
		fetched: map[string]int{},
	}

	r := chi.NewRouter()
	r.Post("/{tenant}/v2/token", func(w http.ResponseWriter, req *http.Request) {
		tenant := chi.URLParam(req, "tenant")
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["client_id"] != tenant {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"access_token":      "token-" + tenant,
			"expires_in":        1200,
			"rest_instance_url": rm.server.URL + "/" + tenant + "/api",
		})
	})
	r.Get("/{tenant}/api/*", func(w http.ResponseWriter, req *http.Request) {
		tenant := chi.URLParam(req, "tenant")
		if req.Header.Get("Authorization") != "Bearer token-"+tenant {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		path := "/" + chi.URLParam(req, "*")
		rm.mu.Lock()
		items := rm.records[tenant][path]
		rm.fetched[tenant+path]++
		rm.mu.Unlock()
		if items == nil {
			items = []map[string]any{}
		}
		writeJSON(w, map[string]any{"items": items, "count": len(items), "page": 1, "pageSize": len(items)})
	})

	rm.server = httptest.NewServer(r)
	t.Cleanup(rm.server.Close)
	return rm
}

func (rm *remote) add(tenant, path string, records ...map[string]any) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.records[tenant] == nil {
		rm.records[tenant] = map[string][]map[string]any{}
	}
	rm.records[tenant][path] = append(rm.records[tenant][path], records...)
}

func (rm *remote) fetches(tenant, path string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.fetched[tenant+path]
}

// config returns a project file with a parent and a child tenant served by rm
func (rm *remote) config() string {
	return fmt.Sprintf(`tenants:
  - name: parent
    id: "1000"
    authUrl: %[1]s/parent/v2/token
    clientId: parent
    clientSecret: s3cret
  - name: child
    id: "1001"
    parent: parent
    authUrl: %[1]s/child/v2/token
    clientId: child
    clientSecret: s3cret
markets:
  de:
    suffix: Germany
options:
  concurrency: 2
  sharedTypes: [folder]
`, rm.server.URL)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRestProvider_ResolvesTenantByID(t *testing.T) {
	rm := newRemote(t)
	cfg, err := config.Load(newProject(t, rm.config()))
	require.NoError(t, err)
	a := &app{config: cfg, catalog: catalog.Default(), logger: zap.NewNop()}

	child, err := cfg.TenantContext("child")
	require.NoError(t, err)

	for _, tenant := range []metadata.TenantContext{child, child.ParentContext(), {ID: "1000"}} {
		tr, err := a.restProvider().Transport(context.Background(), tenant)
		require.NoError(t, err, tenant.String())
		assert.NotNil(t, tr)
	}

	_, err = a.restProvider().Transport(context.Background(), metadata.TenantContext{ID: "4242"})
	assert.ErrorContains(t, err, `no tenant with id "4242"`)
}

func TestWorkflow_RetrieveSharedFromParent(t *testing.T) {
	rm := newRemote(t)
	rm.add("parent", "/folders", map[string]any{"id": "5", "customerKey": "f5", "name": "Shared", "parentId": "0"})
	rm.add("child", "/folders", map[string]any{"id": "10", "customerKey": "f10", "name": "Data", "parentId": "0"})
	rm.add("child", "/data/extensions", map[string]any{
		"objectId": "de-1", "customerKey": "Sales_Germany", "name": "Sales Germany", "categoryId": "5",
	})
	dir := newProject(t, rm.config())

	out, err := execute(t, dir, nil, "retrieve", "child", "dataExtension")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Retrieved 1 item(s) from child")
	assert.FileExists(t, filepath.Join(dir, "retrieve", "child", "dataExtension", "Sales_Germany.dataExtension-meta.json"))
	assert.Equal(t, 1, rm.fetches("parent", "/folders"))
	assert.Zero(t, rm.fetches("parent", "/data/extensions"), "only shared types are read from the parent")

	out, err = execute(t, dir, nil, "retrieve", "child", "dataExtension", "--market", "de")
	require.NoError(t, err, out)
	tmpl := readJSON(t, filepath.Join(dir, "template", "dataExtension", "Sales_{{suffix}}.dataExtension-meta.json"))
	assert.Equal(t, "Shared", tmpl["r__folder_path"], "the folder is found in the parent tenant")
}
