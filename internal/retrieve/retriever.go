// Package retrieve fetches metadata from a tenant in dependency order,
// normalizes it, populates the metadata cache and writes it to disk.
package retrieve

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/registry"
	"github.com/conduit-lang/metasync/internal/metadata/resolver"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/store"
	"github.com/conduit-lang/metasync/internal/transport"
)

// DependencyPolicy decides what happens to dependents of a failed type
type DependencyPolicy string

const (
	// Abort fails every type that transitively depends on a failed type
	Abort DependencyPolicy = "abort"
	// BestEffort retrieves dependents anyway; unresolved references surface
	// later as cache misses
	BestEffort DependencyPolicy = "bestEffort"
)

// Templater converts retrieved items into templates
type Templater interface {
	Templatize(tenant metadata.TenantContext, typeName string, items []metadata.Item, vars map[string]string) ([]metadata.Item, error)
}

// Options configures a Retriever
type Options struct {
	// Root is the directory retrieved items are written under
	Root string
	// TemplateRoot receives items retrieved as templates
	TemplateRoot string
	// Concurrency bounds the types fetched at the same time per tenant
	Concurrency int
	// DependencyFailure is Abort unless set
	DependencyFailure DependencyPolicy
	// SharedTypes are also fetched from the parent tenant and visible to
	// the child as fallback
	SharedTypes []string
}

// Request describes one retrieval
type Request struct {
	Tenant metadata.TenantContext
	// Types requested; empty means the catalog's default types
	Types []string
	// Keys restricts written items to those whose key or name matches
	Keys []string
	// Variables (name to concrete value), when set, stores the requested
	// types as templates
	Variables map[string]string
	// CacheOnly populates the cache without writing files or returning items
	CacheOnly bool
}

// Retriever orchestrates retrieval
type Retriever struct {
	catalog   metadata.Catalog
	resolver  *resolver.Resolver
	registry  *registry.Registry
	cache     *cache.MetadataCache
	store     *store.FileStore
	provider  transport.Provider
	templater Templater
	options   Options
	logger    *zap.Logger
}

// Option configures optional collaborators
type Option func(*Retriever)

// WithTemplater enables retrieving as template
func WithTemplater(t Templater) Option {
	return func(r *Retriever) { r.templater = t }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Retriever
func New(
	catalog metadata.Catalog,
	reg *registry.Registry,
	mc *cache.MetadataCache,
	fs *store.FileStore,
	provider transport.Provider,
	options Options,
	opts ...Option,
) *Retriever {
	if options.Concurrency <= 0 {
		options.Concurrency = 5
	}
	if options.DependencyFailure == "" {
		options.DependencyFailure = Abort
	}
	r := &Retriever{
		catalog:  catalog,
		resolver: resolver.New(catalog),
		registry: reg,
		cache:    mc,
		store:    fs,
		provider: provider,
		options:  options,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// typeState tracks one type during a run
type typeState struct {
	done   chan struct{}
	failed bool
}

// Retrieve runs a retrieval. The returned error is non-nil only for
// failures that invalidate the whole run (unknown type, dependency cycle,
// cancellation); per-type and per-item failures are in the summary.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*metadata.MultiTypeItemList, *report.Summary, error) {
	summary := report.New()

	requested := req.Types
	if len(requested) == 0 {
		requested = r.catalog.DefaultTypes()
	}
	order, added, err := r.resolver.Closure(requested)
	if err != nil {
		return nil, summary, err
	}
	if req.Variables != nil && r.templater == nil {
		return nil, summary, fmt.Errorf("retrieving as template requires a templater")
	}

	client, err := r.provider.Transport(ctx, req.Tenant)
	if err != nil {
		return nil, summary, fmt.Errorf("failed to connect to %s: %w", req.Tenant, err)
	}
	parentClient, err := r.parentTransport(ctx, req.Tenant)
	if err != nil {
		return nil, summary, err
	}

	r.logger.Info("retrieving",
		zap.String("tenant", req.Tenant.String()),
		zap.Strings("types", order))

	states := make(map[string]*typeState, len(order))
	for _, name := range order {
		states[name] = &typeState{done: make(chan struct{})}
	}

	var (
		mu      sync.Mutex
		results = make(map[string][]metadata.Item)
		sem     = semaphore.NewWeighted(int64(r.options.Concurrency))
		wg      sync.WaitGroup
	)

	for _, name := range order {
		deps, err := r.resolver.Dependencies(name)
		if err != nil {
			return nil, summary, err
		}

		wg.Add(1)
		go func(name string, deps []string) {
			defer wg.Done()
			st := states[name]
			defer close(st.done)

			for _, dep := range deps {
				ds, ok := states[dep]
				if !ok {
					continue
				}
				<-ds.done
				if ds.failed && r.options.DependencyFailure == Abort {
					st.failed = true
					summary.Fail(name, "", &metadata.DependencyFailedError{TypeName: name, Dependency: dep})
					return
				}
			}

			// cancellation is honored between types, never inside one
			if err := sem.Acquire(ctx, 1); err != nil {
				st.failed = true
				summary.Skip(name, "", err)
				return
			}
			defer sem.Release(1)
			if err := ctx.Err(); err != nil {
				st.failed = true
				summary.Skip(name, "", err)
				return
			}

			cacheOnly := req.CacheOnly || added[name]
			items, err := r.retrieveType(ctx, client, parentClient, req, name, cacheOnly, summary)
			if err != nil {
				st.failed = true
				summary.Fail(name, "", err)
				r.logger.Warn("type failed",
					zap.String("tenant", req.Tenant.String()),
					zap.String("type", name),
					zap.Error(err))
				return
			}
			if cacheOnly {
				return
			}

			mu.Lock()
			results[name] = items
			mu.Unlock()
		}(name, deps)
	}
	wg.Wait()

	list := metadata.NewMultiTypeItemList()
	for _, name := range order {
		if items, ok := results[name]; ok {
			list.Add(name, items...)
		}
	}

	if err := ctx.Err(); err != nil {
		return list, summary, err
	}
	return list, summary, nil
}

func (r *Retriever) parentTransport(ctx context.Context, tenant metadata.TenantContext) (transport.Transport, error) {
	if tenant.Parent == "" || len(r.options.SharedTypes) == 0 {
		return nil, nil
	}
	t, err := r.provider.Transport(ctx, tenant.ParentContext())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to parent tenant %s: %w", tenant.Parent, err)
	}
	return t, nil
}

func (r *Retriever) isShared(typeName string) bool {
	for _, name := range r.options.SharedTypes {
		if name == typeName {
			return true
		}
	}
	return false
}

// retrieveType fetches, normalizes and caches one type, then writes it
// unless cacheOnly. Nothing is cached or written if any page fails.
func (r *Retriever) retrieveType(
	ctx context.Context,
	client, parentClient transport.Transport,
	req Request,
	typeName string,
	cacheOnly bool,
	summary *report.Summary,
) ([]metadata.Item, error) {
	handler, err := r.registry.Retrievable(typeName)
	if err != nil {
		return nil, err
	}

	if parentClient != nil && r.isShared(typeName) {
		parent := req.Tenant.ParentContext()
		records, err := transport.FetchAll(ctx, parentClient, typeName)
		if err != nil {
			return nil, fmt.Errorf("shared %s of parent tenant: %w", typeName, err)
		}
		shared, err := handler.Normalize(registry.Scope{Tenant: parent, Cache: r.cache}, records)
		if err != nil {
			return nil, err
		}
		if err := r.cache.MergeShared(req.Tenant, typeName, shared); err != nil {
			return nil, err
		}
	}

	records, err := transport.FetchAll(ctx, client, typeName)
	if err != nil {
		return nil, err
	}
	items, err := handler.Normalize(registry.Scope{Tenant: req.Tenant, Cache: r.cache}, records)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetItems(req.Tenant, typeName, items); err != nil {
		return nil, err
	}
	if err := r.cache.Persist(ctx, req.Tenant, typeName); err != nil {
		r.logger.Warn("failed to persist cache",
			zap.String("type", typeName),
			zap.Error(err))
	}

	r.logger.Debug("type cached",
		zap.String("tenant", req.Tenant.String()),
		zap.String("type", typeName),
		zap.Int("items", len(items)),
		zap.Bool("cacheOnly", cacheOnly))

	if cacheOnly {
		return nil, nil
	}

	def, err := r.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}
	items = filterItems(def, items, req.Keys)

	root, tenantDir := r.options.Root, req.Tenant.Name
	if req.Variables != nil {
		items, err = r.templater.Templatize(req.Tenant, typeName, items, req.Variables)
		if err != nil {
			return nil, err
		}
		root, tenantDir = r.options.TemplateRoot, ""
	}

	if len(req.Keys) == 0 {
		if err := r.store.Purge(root, tenantDir, typeName); err != nil {
			return nil, fmt.Errorf("failed to clean %s directory: %w", typeName, err)
		}
	}

	written := make([]metadata.Item, 0, len(items))
	for _, item := range items {
		key := item.String(def.KeyField)
		if _, err := r.store.WriteItem(root, tenantDir, typeName, item); err != nil {
			summary.Fail(typeName, key, err)
			continue
		}
		summary.Succeed(typeName, key)
		written = append(written, item)
	}
	return written, nil
}

// filterItems keeps items whose key or name is in keys; no keys keeps all
func filterItems(def *metadata.TypeDefinition, items []metadata.Item, keys []string) []metadata.Item {
	if len(keys) == 0 {
		return items
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	out := make([]metadata.Item, 0, len(keys))
	for _, item := range items {
		if want[item.String(def.KeyField)] || (def.NameField != "" && want[item.String(def.NameField)]) {
			out = append(out, item)
		}
	}
	return out
}
