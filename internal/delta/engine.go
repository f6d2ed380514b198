// Package delta computes the ordered set of items that changed between two
// states of the metadata repository and builds a deployable package from
// them.
package delta

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/metadata/resolver"
	"github.com/conduit-lang/metasync/internal/report"
	"github.com/conduit-lang/metasync/internal/store"
	"github.com/conduit-lang/metasync/internal/template"
	"github.com/conduit-lang/metasync/internal/validate"
)

// Item is one changed metadata item. Paths holds every changed file of the
// item, main file and siblings, sorted.
type Item struct {
	TypeName string   `json:"type"`
	Tenant   string   `json:"tenant"`
	Key      string   `json:"key"`
	Kind     Kind     `json:"changeKind"`
	Paths    []string `json:"filePaths"`
	// OldKey is the key before a move
	OldKey string `json:"oldKey,omitempty"`
}

// Engine maps path changes below the metadata root to items
type Engine struct {
	catalog   metadata.Catalog
	resolver  *resolver.Resolver
	store     *store.FileStore
	lister    ChangeLister
	root      string
	validator validate.Validator
	logger    *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithValidator checks items copied into the package unchanged. Templated
// builds are checked by the Builder.
func WithValidator(v validate.Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// New creates an engine for the metadata tree at root
func New(catalog metadata.Catalog, fs *store.FileStore, lister ChangeLister, root string, opts ...Option) *Engine {
	e := &Engine{
		catalog:  catalog,
		resolver: resolver.New(catalog),
		store:    fs,
		lister:   lister,
		root:     path.Clean(strings.TrimSuffix(root, "/")),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lister returns the engine's change lister
func (e *Engine) Lister() ChangeLister {
	return e.lister
}

type itemID struct {
	tenant, typeName, key string
}

type pending struct {
	item     Item
	mainKind Kind
	paths    map[string]bool
}

// GetDeltaList returns the items changed between before and after, ordered
// by dependency order of their types and then by key. Filters restrict the
// result to paths with one of the given prefixes, relative either to the
// repository or to the metadata root.
func (e *Engine) GetDeltaList(ctx context.Context, before, after string, filters ...string) ([]Item, error) {
	changes, err := e.lister.ListChangedPaths(ctx, before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes between %s and %s: %w", before, after, err)
	}

	byID := make(map[itemID]*pending)
	touch := func(loc store.Location, p string) *pending {
		id := itemID{loc.Tenant, loc.TypeName, loc.Key}
		pi, ok := byID[id]
		if !ok {
			pi = &pending{
				item:  Item{TypeName: loc.TypeName, Tenant: loc.Tenant, Key: loc.Key},
				paths: make(map[string]bool),
			}
			byID[id] = pi
		}
		pi.paths[p] = true
		return pi
	}

	for _, c := range changes {
		loc, ok := e.locate(c.Path, filters)
		var oldLoc store.Location
		oldOK := false
		if c.OldPath != "" {
			oldLoc, oldOK = e.locate(c.OldPath, filters)
		}

		switch {
		case c.Kind == Moved && ok && oldOK && sameItem(loc, oldLoc):
			// a sibling renamed within its item
			touch(oldLoc, c.OldPath)
			touch(loc, c.Path)
		case c.Kind == Moved && ok && oldOK:
			pi := touch(loc, c.Path)
			pi.paths[c.OldPath] = true
			if loc.Main {
				pi.mainKind = Moved
				pi.item.OldKey = oldLoc.Key
			}
		case c.Kind == Moved && ok:
			if pi := touch(loc, c.Path); loc.Main {
				pi.mainKind = Added
			}
		case c.Kind == Moved && oldOK:
			if pi := touch(oldLoc, c.OldPath); oldLoc.Main {
				pi.mainKind = Deleted
			}
		case ok:
			if pi := touch(loc, c.Path); loc.Main {
				pi.mainKind = c.Kind
			}
		default:
			e.logger.Debug("ignoring change outside the metadata tree", zap.String("path", c.Path))
		}
	}

	items := make([]Item, 0, len(byID))
	types := make(map[string]bool)
	for _, pi := range byID {
		pi.item.Kind = pi.mainKind
		if pi.item.Kind == "" {
			pi.item.Kind = Modified
		}
		for p := range pi.paths {
			pi.item.Paths = append(pi.item.Paths, p)
		}
		sort.Strings(pi.item.Paths)
		items = append(items, pi.item)
		types[pi.item.TypeName] = true
	}

	if err := e.order(items, types); err != nil {
		return nil, err
	}
	return items, nil
}

func sameItem(a, b store.Location) bool {
	return a.Tenant == b.Tenant && a.TypeName == b.TypeName && a.Key == b.Key
}

// locate maps a repository path to its item; false for paths outside the
// metadata root, outside every filter, or not following the file layout
func (e *Engine) locate(p string, filters []string) (store.Location, bool) {
	p = path.Clean(p)
	prefix := e.root + "/"
	if e.root == "." {
		prefix = ""
	}
	if !strings.HasPrefix(p, prefix) {
		return store.Location{}, false
	}
	rel := strings.TrimPrefix(p, prefix)

	if len(filters) > 0 {
		matched := false
		for _, f := range filters {
			if strings.HasPrefix(p, f) || strings.HasPrefix(rel, f) {
				matched = true
				break
			}
		}
		if !matched {
			return store.Location{}, false
		}
	}
	return e.store.ParsePath(rel)
}

func (e *Engine) order(items []Item, types map[string]bool) error {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	ordered, err := e.resolver.Resolve(names)
	if err != nil {
		return err
	}
	index := resolver.Index(ordered)

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if index[a.TypeName] != index[b.TypeName] {
			return index[a.TypeName] < index[b.TypeName]
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Tenant < b.Tenant
	})
	return nil
}

// BuildOptions configures BuildDeltaDefinitions
type BuildOptions struct {
	// OutputRoot receives the package, mirroring the metadata tree layout
	OutputRoot string
	// Builder, when set, templatizes items of Source with From and builds
	// them for Target with To. Its DeployRoot should be OutputRoot.
	Builder        *template.Builder
	Source, Target metadata.TenantContext
	From, To       template.Variables
	// Manifest writes a change manifest next to the package
	Manifest      bool
	Before, After string
}

// BuildDeltaDefinitions loads the current version of every changed item and
// writes the deployable package. Deleted items are recorded but not built.
func (e *Engine) BuildDeltaDefinitions(ctx context.Context, items []Item, opts BuildOptions) (*metadata.MultiTypeItemList, *report.Summary, error) {
	summary := report.New()
	out := metadata.NewMultiTypeItemList()
	templated := opts.Builder != nil && (len(opts.From) > 0 || len(opts.To) > 0)

	for start := 0; start < len(items); {
		if err := ctx.Err(); err != nil {
			return out, summary, err
		}
		typeName := items[start].TypeName
		end := start
		for end < len(items) && items[end].TypeName == typeName {
			end++
		}

		var loaded []metadata.Item
		for _, it := range items[start:end] {
			if it.Kind == Deleted {
				summary.Add(report.Entry{TypeName: it.TypeName, Key: it.Key, Outcome: report.Skipped, Message: "deleted; not deployed"})
				continue
			}
			if templated && it.Tenant != opts.Source.Name {
				summary.Add(report.Entry{TypeName: it.TypeName, Key: it.Key, Outcome: report.Skipped,
					Message: fmt.Sprintf("belongs to %s, not %s", it.Tenant, opts.Source.Name)})
				continue
			}

			item, err := e.store.ReadItem(e.root, it.Tenant, it.TypeName, it.Key)
			if err != nil {
				summary.Fail(it.TypeName, it.Key, err)
				continue
			}

			if templated {
				loaded = append(loaded, item)
				continue
			}
			item, ok := e.validate(it, item, summary)
			if !ok {
				continue
			}
			if _, err := e.store.WriteItem(opts.OutputRoot, it.Tenant, it.TypeName, item); err != nil {
				summary.Fail(it.TypeName, it.Key, err)
				continue
			}
			summary.Succeed(it.TypeName, it.Key)
			out.Add(it.TypeName, item)
		}

		if templated && len(loaded) > 0 {
			built, err := opts.Builder.Build(ctx, opts.Source, opts.Target, typeName, loaded, opts.From, opts.To, summary)
			if err != nil {
				return out, summary, err
			}
			out.Add(typeName, built...)
		}
		start = end
	}

	if opts.Manifest {
		m := NewManifest(opts.Before, opts.After, items)
		if err := e.WriteManifest(ctx, opts.OutputRoot, m); err != nil {
			return out, summary, err
		}
	}

	e.logger.Info("built delta package",
		zap.String("path", opts.OutputRoot),
		zap.Int("changed", len(items)),
		zap.Int("items", out.Len()))
	return out, summary, nil
}

// validate runs the validator on an item bound for its own tenant
func (e *Engine) validate(it Item, item metadata.Item, summary *report.Summary) (metadata.Item, bool) {
	if e.validator == nil {
		return item, true
	}
	def, err := e.catalog.Definition(it.TypeName)
	if err != nil {
		summary.Fail(it.TypeName, it.Key, err)
		return nil, false
	}

	item, verdict, rule, err := validate.Apply(e.validator, def, item, metadata.TenantContext{Name: it.Tenant})
	switch verdict {
	case validate.Reject:
		summary.Skip(it.TypeName, it.Key, err)
		e.logger.Warn("validation failed",
			zap.String("type", it.TypeName),
			zap.String("key", it.Key),
			zap.Error(err))
		return nil, false
	case validate.Drop:
		summary.Remove(it.TypeName, it.Key, "removed by validation rule "+rule)
		e.logger.Info("item removed by validation",
			zap.String("type", it.TypeName),
			zap.String("key", it.Key),
			zap.String("rule", rule))
		return nil, false
	}
	return item, true
}
