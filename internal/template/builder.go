// Package template converts tenant-bound items into portable templates and
// back into concrete items for another tenant.
package template

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/cache"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/store"
	"github.com/conduit-lang/metasync/internal/validate"
)

// Options configures a Builder
type Options struct {
	RetrieveRoot string
	TemplateRoot string
	DeployRoot   string
	// StrictReferences fails an item whose references cannot be resolved in
	// the target tenant instead of leaving them for the deploy step
	StrictReferences bool
}

// Builder produces templates and deployable definitions
type Builder struct {
	catalog   metadata.Catalog
	cache     *cache.MetadataCache
	store     *store.FileStore
	validator validate.Validator
	options   Options
	logger    *zap.Logger
}

// Option configures optional collaborators
type Option func(*Builder)

// WithValidator runs v on every built definition
func WithValidator(v validate.Validator) Option {
	return func(b *Builder) { b.validator = v }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a Builder
func NewBuilder(catalog metadata.Catalog, mc *cache.MetadataCache, fs *store.FileStore, options Options, opts ...Option) *Builder {
	b := &Builder{
		catalog: catalog,
		cache:   mc,
		store:   fs,
		options: options,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Templatize converts concrete items of source into templates. It satisfies
// the retriever's Templater interface.
func (b *Builder) Templatize(source metadata.TenantContext, typeName string, items []metadata.Item, vars map[string]string) ([]metadata.Item, error) {
	def, err := b.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}
	out := make([]metadata.Item, 0, len(items))
	for _, item := range items {
		out = append(out, b.templatize(source, def, item, vars))
	}
	return out, nil
}

func (b *Builder) templatize(source metadata.TenantContext, def *metadata.TypeDefinition, item metadata.Item, vars Variables) metadata.Item {
	portable, misses := ToPortable(b.cache, source, def, item)
	for _, miss := range misses {
		b.logger.Warn("reference kept as-is",
			zap.String("type", def.TypeName),
			zap.String("key", item.String(def.KeyField)),
			zap.Error(miss))
	}
	return Templatize(def, portable, vars)
}

// BuildTemplate loads concrete items of source (from its retrieve directory,
// falling back to the cache), converts them to templates and writes them to
// the template directory. Empty keys builds every retrieved item.
func (b *Builder) BuildTemplate(ctx context.Context, source metadata.TenantContext, typeName string, keys []string, vars Variables) ([]metadata.Item, *report.Summary, error) {
	summary := report.New()
	def, err := b.catalog.Definition(typeName)
	if err != nil {
		return nil, summary, err
	}

	if len(keys) == 0 {
		keys, err = b.store.Keys(b.options.RetrieveRoot, source.Name, typeName)
		if err != nil {
			return nil, summary, err
		}
	}

	out := make([]metadata.Item, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return out, summary, err
		}

		item, err := b.loadConcrete(source, typeName, key)
		if err != nil {
			summary.Fail(typeName, key, err)
			continue
		}

		tmpl := b.templatize(source, def, item, vars)
		if _, err := b.store.WriteItem(b.options.TemplateRoot, "", typeName, tmpl); err != nil {
			summary.Fail(typeName, key, err)
			continue
		}
		summary.Succeed(typeName, key)
		out = append(out, tmpl)
	}

	b.logger.Info("built templates",
		zap.String("tenant", source.String()),
		zap.String("type", typeName),
		zap.Int("items", len(out)))
	return out, summary, nil
}

func (b *Builder) loadConcrete(source metadata.TenantContext, typeName, key string) (metadata.Item, error) {
	item, err := b.store.ReadItem(b.options.RetrieveRoot, source.Name, typeName, key)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotExist) {
		return nil, err
	}
	if cached, ok := b.cache.Get(source, typeName, key); ok {
		return cached.Clone(), nil
	}
	return nil, fmt.Errorf("%s %q was not retrieved from %s", typeName, key, source)
}

// BuildDefinition loads templates, substitutes vars, resolves portable
// references in target, validates and writes the results to target's deploy
// directory. Names may be template keys or concrete keys. A missing
// variable fails only the item it occurs in.
func (b *Builder) BuildDefinition(ctx context.Context, target metadata.TenantContext, typeName string, names []string, vars Variables, purge bool) ([]metadata.Item, *report.Summary, error) {
	summary := report.New()
	if _, err := b.catalog.Definition(typeName); err != nil {
		return nil, summary, err
	}

	if len(names) == 0 {
		var err error
		names, err = b.store.Keys(b.options.TemplateRoot, "", typeName)
		if err != nil {
			return nil, summary, err
		}
	}

	templates := make([]metadata.Item, 0, len(names))
	for _, name := range names {
		tmpl, err := b.loadTemplate(typeName, name, vars)
		if err != nil {
			summary.Fail(typeName, name, err)
			continue
		}
		templates = append(templates, tmpl)
	}

	out, err := b.Definitions(ctx, target, typeName, templates, vars, purge, summary)
	return out, summary, err
}

func (b *Builder) loadTemplate(typeName, name string, vars Variables) (metadata.Item, error) {
	item, err := b.store.ReadItem(b.options.TemplateRoot, "", typeName, name)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotExist) {
		return nil, err
	}
	// a concrete key maps to the template key with its values replaced
	templated := vars.reverse().Replace(name)
	if templated != name {
		if item, err := b.store.ReadItem(b.options.TemplateRoot, "", typeName, templated); err == nil {
			return item, nil
		}
	}
	return nil, fmt.Errorf("no template for %s %q", typeName, name)
}

// Definitions turns templates into concrete items for target and writes
// them to the deploy directory. Item-level failures go to summary.
func (b *Builder) Definitions(ctx context.Context, target metadata.TenantContext, typeName string, templates []metadata.Item, vars Variables, purge bool, summary *report.Summary) ([]metadata.Item, error) {
	def, err := b.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}

	if purge {
		if err := b.store.Purge(b.options.DeployRoot, target.Name, typeName); err != nil {
			return nil, fmt.Errorf("failed to purge %s deploy directory: %w", typeName, err)
		}
	}

	out := make([]metadata.Item, 0, len(templates))
	for _, tmpl := range templates {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		item, ok := b.definition(target, def, tmpl, vars, summary)
		if !ok {
			continue
		}
		key := item.String(def.KeyField)
		if _, err := b.store.WriteItem(b.options.DeployRoot, target.Name, typeName, item); err != nil {
			summary.Fail(typeName, key, err)
			continue
		}
		summary.Succeed(typeName, key)
		out = append(out, item)
	}
	return out, nil
}

// definition builds one concrete item; false means it was reported and
// must not be deployed
func (b *Builder) definition(target metadata.TenantContext, def *metadata.TypeDefinition, tmpl metadata.Item, vars Variables, summary *report.Summary) (metadata.Item, bool) {
	tmplKey := tmpl.String(def.KeyField)

	item, err := Concretize(def, tmpl, vars)
	if err != nil {
		summary.Fail(def.TypeName, tmplKey, err)
		b.logger.Warn("template not built",
			zap.String("type", def.TypeName),
			zap.String("key", tmplKey),
			zap.Error(err))
		return nil, false
	}
	key := item.String(def.KeyField)

	item, misses := ToConcrete(b.cache, target, def, item)
	if len(misses) > 0 {
		if b.options.StrictReferences {
			summary.Fail(def.TypeName, key, errors.Join(misses...))
			return nil, false
		}
		for _, miss := range misses {
			b.logger.Warn("reference left for deploy",
				zap.String("type", def.TypeName),
				zap.String("key", key),
				zap.Error(miss))
		}
	}

	item, verdict, rule, err := validate.Apply(b.validator, def, item, target)
	switch verdict {
	case validate.Reject:
		summary.Skip(def.TypeName, key, err)
		b.logger.Warn("validation failed",
			zap.String("type", def.TypeName),
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	case validate.Drop:
		summary.Remove(def.TypeName, key, "removed by validation rule "+rule)
		b.logger.Info("item removed by validation",
			zap.String("type", def.TypeName),
			zap.String("key", key),
			zap.String("rule", rule))
		return nil, false
	}
	return item, true
}

// Build converts concrete items of source straight into definitions for
// target, applying the source market on the way in and the target market
// on the way out.
func (b *Builder) Build(ctx context.Context, source, target metadata.TenantContext, typeName string, items []metadata.Item, from, to Variables, summary *report.Summary) ([]metadata.Item, error) {
	templates, err := b.Templatize(source, typeName, items, from)
	if err != nil {
		return nil, err
	}
	return b.Definitions(ctx, target, typeName, templates, to, false, summary)
}
