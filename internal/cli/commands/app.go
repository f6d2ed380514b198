package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/cli/config"
	"github.com/conduit-lang/metasync/internal/cli/ui"
	"github.com/conduit-lang/metasync/internal/logging"
	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/catalog"
	"github.com/conduit-lang/metasync/internal/metadata/registry"
	"github.com/conduit-lang/metasync/internal/metadata/resolver"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/retrieve"
	"github.com/conduit-lang/metasync/internal/store"
	"github.com/conduit-lang/metasync/internal/template"
	"github.com/conduit-lang/metasync/internal/transport"
	"github.com/conduit-lang/metasync/internal/validate"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	verbose  bool
	logLevel string
	noColor  bool
	dir      string

	// provider replaces the REST provider; set by tests
	provider transport.Provider
}

// app holds the collaborators wired from the project configuration. Every
// path handed to the store is relative to the project root.
type app struct {
	config    *config.Config
	logger    *zap.Logger
	catalog   *catalog.Catalog
	resolver  *resolver.Resolver
	registry  *registry.Registry
	cache     *cache.MetadataCache
	store     *store.FileStore
	provider  transport.Provider
	validator validate.Validator
	closers   []io.Closer

	out     io.Writer
	noColor bool
}

// newApp loads the project configuration and wires the engine
func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	dir := opts.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	root, err := config.FindProjectRoot(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("%s", ui.ConfigError(err.Error(), opts.noColor))
	}

	logger, err := logging.New(logging.Options{
		Verbose: opts.verbose,
		Level:   opts.logLevel,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	cat := catalog.Default()
	if len(cfg.Options.DefaultTypes) > 0 {
		if cat, err = catalog.New(definitions(cat), cfg.Options.DefaultTypes); err != nil {
			return nil, err
		}
	}
	reg, err := registry.New(cat)
	if err != nil {
		return nil, err
	}

	a := &app{
		config:   cfg,
		logger:   logger,
		catalog:  cat,
		resolver: resolver.New(cat),
		registry: reg,
		store:    store.New(afero.NewBasePathFs(afero.NewOsFs(), root), cat),
		out:      cmd.OutOrStdout(),
		noColor:  opts.noColor,
	}

	cacheOpts := []cache.Option{cache.WithLogger(logger)}
	if cfg.Cache.Store == "redis" {
		rs, err := cache.NewRedisStore(cmd.Context(), cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			StoreConfig: cache.StoreConfig{
				DefaultTTL: cfg.Cache.TTL,
				Prefix:     cache.DefaultStoreConfig().Prefix,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Cache.Redis.Addr, err)
		}
		a.closers = append(a.closers, rs)
		cacheOpts = append(cacheOpts, cache.WithStore(rs))
	}
	a.cache = cache.New(cat, cacheOpts...)

	if len(cfg.Validation) > 0 {
		v, err := validate.NewExprValidator(cfg.Validation)
		if err != nil {
			return nil, err
		}
		a.validator = v
	}

	a.provider = opts.provider
	if a.provider == nil {
		a.provider = a.restProvider()
	}
	return a, nil
}

// Close releases the cache store connection
func (a *app) Close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c.Close())
	}
	_ = a.logger.Sync()
	return err
}

// definitions returns the catalog's definitions in declaration order
func definitions(cat *catalog.Catalog) []metadata.TypeDefinition {
	out := make([]metadata.TypeDefinition, 0, len(cat.Types()))
	for _, name := range cat.Types() {
		def, _ := cat.Definition(name)
		out = append(out, *def)
	}
	return out
}

// restProvider connects to tenants with the credentials from the project
// file, one token source per tenant
func (a *app) restProvider() transport.Provider {
	return transport.ProviderFunc(func(ctx context.Context, tenant metadata.TenantContext) (transport.Transport, error) {
		t, err := a.tenantConfig(tenant)
		if err != nil {
			return nil, err
		}
		tokens := transport.NewTokenSource(transport.Credentials{
			AuthURL:      t.AuthURL,
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			AccountID:    t.ID,
		}, http.DefaultClient)
		return transport.NewRESTClient(a.catalog, tokens, transport.RESTConfig{
			BaseURL:           t.RestURL,
			RequestsPerSecond: a.config.Options.RequestsPerSecond,
			Burst:             a.config.Options.Concurrency,
		}, a.logger.With(zap.String("tenant", t.Name))), nil
	})
}

// tenantConfig finds the configured tenant by name, or by id when the
// context carries none
func (a *app) tenantConfig(tenant metadata.TenantContext) (*config.TenantConfig, error) {
	if tenant.Name == "" && tenant.ID != "" {
		return a.config.TenantByID(tenant.ID)
	}
	return a.config.Tenant(tenant.Name)
}

// tenant resolves a tenant name, printing suggestions when it is unknown
func (a *app) tenant(name string) (metadata.TenantContext, error) {
	ctx, err := a.config.TenantContext(name)
	if err != nil {
		names := make([]string, 0, len(a.config.Tenants))
		for _, t := range a.config.Tenants {
			names = append(names, t.Name)
		}
		return ctx, fmt.Errorf("%s", ui.UnknownTenantError(name, names, a.noColor))
	}
	return ctx, nil
}

// checkTypes rejects type names missing from the catalog
func (a *app) checkTypes(types ...string) error {
	for _, t := range types {
		if _, err := a.catalog.Definition(t); err != nil {
			return fmt.Errorf("%s", ui.UnknownTypeError(t, a.catalog.Types(), a.noColor))
		}
	}
	return nil
}

func (a *app) retriever() *retrieve.Retriever {
	return retrieve.New(a.catalog, a.registry, a.cache, a.store, a.provider, retrieve.Options{
		Root:              a.config.Directories.Retrieve,
		TemplateRoot:      a.config.Directories.Template,
		Concurrency:       a.config.Options.Concurrency,
		DependencyFailure: retrieve.DependencyPolicy(a.config.Options.DependencyFailure),
		SharedTypes:       a.config.Options.SharedTypes,
	}, retrieve.WithTemplater(a.builder(a.config.Directories.Deploy)), retrieve.WithLogger(a.logger))
}

func (a *app) builder(deployRoot string) *template.Builder {
	opts := []template.Option{template.WithLogger(a.logger)}
	if a.validator != nil {
		opts = append(opts, template.WithValidator(a.validator))
	}
	return template.NewBuilder(a.catalog, a.cache, a.store, template.Options{
		RetrieveRoot:     a.config.Directories.Retrieve,
		TemplateRoot:     a.config.Directories.Template,
		DeployRoot:       deployRoot,
		StrictReferences: a.config.Options.StrictReferences,
	}, opts...)
}

// referencedTypes returns the types whose cache buckets are consulted when
// resolving references of types, with their dependencies
func (a *app) referencedTypes(types []string) ([]string, error) {
	set := map[string]bool{}
	for _, t := range types {
		def, err := a.catalog.Definition(t)
		if err != nil {
			return nil, err
		}
		set[t] = true
		for _, ref := range def.References {
			set[ref.Type] = true
		}
	}
	names := make([]string, 0, len(set))
	for t := range set {
		names = append(names, t)
	}
	sort.Strings(names)
	return a.resolver.Resolve(names)
}

// populate makes sure the cache holds every bucket needed to resolve
// references of types on tenant. Buckets are warmed from the persisted
// store first; the rest are retrieved without writing files.
func (a *app) populate(ctx context.Context, tenant metadata.TenantContext, types []string) error {
	needed, err := a.referencedTypes(types)
	if err != nil {
		return err
	}
	var missing []string
	for _, t := range needed {
		ok, err := a.cache.Warm(ctx, tenant, t)
		if err != nil {
			a.logger.Warn("cache warm-up failed",
				zap.String("tenant", tenant.Name), zap.String("type", t), zap.Error(err))
		}
		if !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	a.logger.Info("populating cache",
		zap.String("tenant", tenant.Name), zap.Strings("types", missing))
	_, summary, err := a.retriever().Retrieve(ctx, retrieve.Request{
		Tenant:    tenant,
		Types:     missing,
		CacheOnly: true,
	})
	if err != nil {
		return err
	}
	if summary.HasFailures() {
		return fmt.Errorf("failed to populate cache for %s: %w", tenant.Name, summary.Err())
	}
	return nil
}

// finish prints the summary and turns item failures into a command error
func (a *app) finish(title, operation string, summary *report.Summary) error {
	ui.RenderSummary(a.out, title, summary, a.noColor)
	if !summary.HasFailures() {
		return nil
	}
	failed := 0
	for _, c := range summary.Counts() {
		failed += c.Failed
	}
	fmt.Fprint(a.out, "\n"+ui.PartialFailure(operation, failed, a.noColor))
	return fmt.Errorf("%s: %d item(s) failed", operation, failed)
}

// deployDir returns the directory items are read from before a deploy
func (a *app) deployDir(fromDelta bool) string {
	if fromDelta {
		return a.config.Directories.DeltaPackage
	}
	return a.config.Directories.Deploy
}

// snapshotDSN resolves a relative sqlite file against the project root and
// creates its directory
func (a *app) snapshotDSN() (string, error) {
	dsn := a.config.Snapshots.DSN
	if a.config.Snapshots.Driver != "sqlite3" {
		return dsn, nil
	}
	dsn = a.config.Path(dsn)
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return "", err
	}
	return dsn, nil
}
