// Package deploy creates or updates built items in a target tenant in
// dependency order.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/metadata/registry"
	"github.com/conduit-lang/metasync/internal/metadata/resolver"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/template"
	"github.com/conduit-lang/metasync/internal/transport"
	"github.com/conduit-lang/metasync/internal/validate"
)

// Options configures a Deployer
type Options struct {
	// Concurrency bounds the items of one type deployed at the same time
	Concurrency int
}

// Deployer pushes items to a tenant. The target's cache buckets of every
// deployed type and its dependencies must be populated beforehand.
type Deployer struct {
	catalog   metadata.Catalog
	registry  *registry.Registry
	resolver  *resolver.Resolver
	cache     *cache.MetadataCache
	provider  transport.Provider
	validator validate.Validator
	options   Options
	logger    *zap.Logger
}

// Option configures optional collaborators
type Option func(*Deployer)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(d *Deployer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithValidator checks every item before it is pushed
func WithValidator(v validate.Validator) Option {
	return func(d *Deployer) {
		d.validator = v
	}
}

// New creates a Deployer
func New(catalog metadata.Catalog, reg *registry.Registry, mc *cache.MetadataCache, provider transport.Provider, options Options, opts ...Option) *Deployer {
	if options.Concurrency < 1 {
		options.Concurrency = 5
	}
	d := &Deployer{
		catalog:  catalog,
		registry: reg,
		resolver: resolver.New(catalog),
		cache:    mc,
		provider: provider,
		options:  options,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy deploys every item of list to target. Types run one after another
// in dependency order so that references to items created earlier in the
// same run resolve. Item failures are recorded in the summary; the error is
// non-nil only when the run could not proceed at all.
func (d *Deployer) Deploy(ctx context.Context, target metadata.TenantContext, list *metadata.MultiTypeItemList) (*report.Summary, error) {
	summary := report.New()
	runID := uuid.NewString()
	logger := d.logger.With(zap.String("tenant", target.String()), zap.String("run", runID))

	order, err := d.resolver.Resolve(list.Types())
	if err != nil {
		return summary, err
	}

	conn, err := d.provider.Transport(ctx, target)
	if err != nil {
		return summary, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	for _, typeName := range order {
		items := list.Items(typeName)
		if len(items) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		d.deployType(ctx, conn, target, typeName, items, summary, logger)
	}

	logger.Info("deploy finished", zap.Bool("failures", summary.HasFailures()))
	return summary, nil
}

func (d *Deployer) deployType(ctx context.Context, conn transport.Transport, target metadata.TenantContext, typeName string, items []metadata.Item, summary *report.Summary, logger *zap.Logger) {
	def, err := d.catalog.Definition(typeName)
	if err != nil {
		summary.Fail(typeName, "", err)
		return
	}
	creator, createErr := d.registry.Creatable(typeName)
	updater, updateErr := d.registry.Updatable(typeName)

	// keys deploy in a stable order so ids assigned by the platform are
	// reproducible
	sorted := append([]metadata.Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].String(def.KeyField) < sorted[j].String(def.KeyField)
	})

	deploy := func(item metadata.Item) (metadata.Item, bool) {
		key := item.String(def.KeyField)
		item, verdict, rule, err := validate.Apply(d.validator, def, item, target)
		switch verdict {
		case validate.Reject:
			summary.Skip(typeName, key, err)
			logger.Warn("validation failed", zap.String("type", typeName), zap.String("key", key), zap.Error(err))
			return nil, false
		case validate.Drop:
			summary.Remove(typeName, key, "removed by validation rule "+rule)
			logger.Info("item removed by validation", zap.String("type", typeName), zap.String("key", key), zap.String("rule", rule))
			return nil, false
		}
		stored, err := d.deployItem(ctx, conn, target, def, item, creator, createErr, updater, updateErr)
		if err != nil {
			summary.Fail(typeName, key, err)
			logger.Warn("deploy failed", zap.String("type", typeName), zap.String("key", key), zap.Error(err))
			return nil, false
		}
		summary.Succeed(typeName, key)
		return stored, true
	}

	var created []metadata.Item
	if selfReferencing(def) {
		// parents first, one at a time, so children resolve their parent
		sort.SliceStable(sorted, func(i, j int) bool {
			return depth(def, sorted[i]) < depth(def, sorted[j])
		})
		for _, item := range sorted {
			if err := ctx.Err(); err != nil {
				summary.Skip(typeName, item.String(def.KeyField), err)
				continue
			}
			stored, ok := deploy(item)
			if !ok {
				continue
			}
			created = append(created, stored)
			if err := d.cache.MergeItems(target, typeName, []metadata.Item{stored}); err != nil {
				logger.Warn("failed to merge deployed item into cache", zap.String("type", typeName), zap.Error(err))
			}
		}
		logger.Info("deployed type", zap.String("type", typeName), zap.Int("items", len(created)))
		return
	}

	var (
		sem = semaphore.NewWeighted(int64(d.options.Concurrency))
		wg  sync.WaitGroup
		mu  sync.Mutex
	)
	for _, item := range sorted {
		if err := sem.Acquire(ctx, 1); err != nil {
			summary.Skip(typeName, item.String(def.KeyField), err)
			continue
		}
		wg.Add(1)
		go func(item metadata.Item) {
			defer wg.Done()
			defer sem.Release(1)
			if stored, ok := deploy(item); ok {
				mu.Lock()
				created = append(created, stored)
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()

	if len(created) > 0 {
		if err := d.cache.MergeItems(target, typeName, created); err != nil {
			logger.Warn("failed to merge deployed items into cache", zap.String("type", typeName), zap.Error(err))
		}
	}
	logger.Info("deployed type", zap.String("type", typeName), zap.Int("items", len(created)))
}

// deployItem resolves the item's remaining references, then creates it when
// the target does not know its key and updates it otherwise
func (d *Deployer) deployItem(ctx context.Context, conn transport.Transport, target metadata.TenantContext, def *metadata.TypeDefinition, item metadata.Item,
	creator registry.Creatable, createErr error, updater registry.Updatable, updateErr error) (metadata.Item, error) {
	key := item.String(def.KeyField)

	item, misses := template.ToConcrete(d.cache, target, def, item)
	if len(misses) > 0 {
		return nil, errors.Join(misses...)
	}

	var (
		op     transport.Operation
		record map[string]any
		err    error
	)
	if existing, ok := d.cache.Get(target, def.TypeName, key); ok {
		if updateErr != nil {
			return nil, updateErr
		}
		item = item.Clone()
		if def.IDField != "" {
			if id, ok := existing[def.IDField]; ok {
				item[def.IDField] = id
			}
		}
		op = transport.OpUpdate
		record, err = updater.ToUpdate(item)
	} else {
		if createErr != nil {
			return nil, createErr
		}
		op = transport.OpCreate
		record, err = creator.ToCreate(item)
	}
	if err != nil {
		return nil, err
	}

	stored, err := conn.Mutate(ctx, def.TypeName, op, record)
	if err != nil {
		return nil, &metadata.TransportError{TypeName: def.TypeName, Op: string(op), Err: err}
	}

	// keep fields the platform does not echo back, such as folder paths
	merged := item.Clone()
	for field, value := range stored {
		merged[field] = value
	}
	return merged, nil
}

func selfReferencing(def *metadata.TypeDefinition) bool {
	for _, ref := range def.References {
		if ref.Type == def.TypeName {
			return true
		}
	}
	return false
}

// depth counts path segments; items without a path sort first
func depth(def *metadata.TypeDefinition, item metadata.Item) int {
	field := def.PathField
	if field == "" {
		field = "path"
	}
	return strings.Count(item.String(field), "/")
}
