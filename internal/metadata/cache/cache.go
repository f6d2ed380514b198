// Package cache provides the process-wide, tenant-scoped index used to
// resolve references across metadata type boundaries.
//
// Items are held per (tenant, type) bucket. Each bucket has its own lock so
// that retrieval of independent types can populate the cache in parallel,
// and readers never observe a bucket in the middle of a merge.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// Field aliases accepted by Lookup in addition to concrete field names
const (
	FieldKey  = "key"
	FieldID   = "id"
	FieldPath = "path"
)

type bucketKey struct {
	tenant   string
	typeName string
}

// bucket indexes the items of one type for one tenant
type bucket struct {
	mu     sync.RWMutex
	byKey  map[string]metadata.Item
	byID   map[string]string
	byPath map[string]string
	order  []string
}

// MetadataCache is the tenant-scoped item index
type MetadataCache struct {
	catalog metadata.Catalog
	store   Store
	logger  *zap.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	// fallback[child][type] is set once a shared merge into the parent happened
	fallback map[string]map[string]string
}

// Option configures a MetadataCache
type Option func(*MetadataCache)

// WithStore persists buckets to store and allows warming from it
func WithStore(store Store) Option {
	return func(c *MetadataCache) {
		c.store = store
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *MetadataCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty cache over catalog
func New(catalog metadata.Catalog, opts ...Option) *MetadataCache {
	c := &MetadataCache{
		catalog:  catalog,
		logger:   zap.NewNop(),
		buckets:  make(map[bucketKey]*bucket),
		fallback: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init resets every bucket of tenant. Calling it twice is harmless.
func (c *MetadataCache) Init(tenant metadata.TenantContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.buckets {
		if k.tenant == tenant.ID {
			delete(c.buckets, k)
		}
	}
	delete(c.fallback, tenant.ID)
}

// Reset drops all state for all tenants
func (c *MetadataCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buckets = make(map[bucketKey]*bucket)
	c.fallback = make(map[string]map[string]string)
}

// SetItems replaces the bucket of typeName for tenant wholesale
func (c *MetadataCache) SetItems(tenant metadata.TenantContext, typeName string, items []metadata.Item) error {
	def, err := c.catalog.Definition(typeName)
	if err != nil {
		return err
	}

	fresh := newBucket(len(items))
	for _, item := range items {
		fresh.put(def, item)
	}

	b := c.bucket(tenant.ID, typeName, true)
	b.mu.Lock()
	b.byKey, b.byID, b.byPath, b.order = fresh.byKey, fresh.byID, fresh.byPath, fresh.order
	b.mu.Unlock()

	c.logger.Debug("cache set",
		zap.String("tenant", tenant.ID),
		zap.String("type", typeName),
		zap.Int("items", len(items)))
	return nil
}

// MergeItems adds or overwrites items without dropping existing entries.
// Last write wins on key collision.
func (c *MetadataCache) MergeItems(tenant metadata.TenantContext, typeName string, items []metadata.Item) error {
	def, err := c.catalog.Definition(typeName)
	if err != nil {
		return err
	}

	b := c.bucket(tenant.ID, typeName, true)
	b.mu.Lock()
	for _, item := range items {
		b.put(def, item)
	}
	b.mu.Unlock()

	c.logger.Debug("cache merge",
		zap.String("tenant", tenant.ID),
		zap.String("type", typeName),
		zap.Int("items", len(items)))
	return nil
}

// MergeShared merges items into the parent tenant of child and makes them
// visible to lookups scoped to child as a fallback. Child entries always
// shadow parent entries with the same key.
func (c *MetadataCache) MergeShared(child metadata.TenantContext, typeName string, items []metadata.Item) error {
	if child.Parent == "" {
		return fmt.Errorf("tenant %s has no parent to share %s with", child, typeName)
	}
	if err := c.MergeItems(child.ParentContext(), typeName, items); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallback[child.ID] == nil {
		c.fallback[child.ID] = make(map[string]string)
	}
	c.fallback[child.ID][typeName] = child.Parent
	return nil
}

// Has reports whether tenant has a populated bucket for typeName
func (c *MetadataCache) Has(tenant metadata.TenantContext, typeName string) bool {
	return c.bucket(tenant.ID, typeName, false) != nil
}

// Get returns the item with key in tenant's bucket, falling back to the
// shared parent bucket.
func (c *MetadataCache) Get(tenant metadata.TenantContext, typeName, key string) (metadata.Item, bool) {
	for _, id := range c.scopes(tenant, typeName) {
		b := c.bucket(id, typeName, false)
		if b == nil {
			continue
		}
		b.mu.RLock()
		item, ok := b.byKey[key]
		b.mu.RUnlock()
		if ok {
			return item, true
		}
	}
	return nil, false
}

// Items returns a tenant's items of typeName in insertion order
func (c *MetadataCache) Items(tenant metadata.TenantContext, typeName string) []metadata.Item {
	b := c.bucket(tenant.ID, typeName, false)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]metadata.Item, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.byKey[key])
	}
	return out
}

// Lookup finds the item of typeName whose searchField equals searchValue and
// returns its returnField. searchField and returnField accept the aliases
// "key", "id" and "path" for the type's key, id and path fields. A parent
// entry whose key the child also holds is never returned.
func (c *MetadataCache) Lookup(tenant metadata.TenantContext, typeName, searchValue, searchField, returnField string) (string, error) {
	def, err := c.catalog.Definition(typeName)
	if err != nil {
		return "", err
	}
	searchField = resolveField(def, searchField)
	returnField = resolveField(def, returnField)

	var searched []*bucket
	for _, id := range c.scopes(tenant, typeName) {
		b := c.bucket(id, typeName, false)
		if b == nil {
			continue
		}
		item := b.find(def, searchField, searchValue)
		if item != nil && !shadowed(searched, item.String(def.KeyField)) {
			if v := item.String(returnField); v != "" {
				return v, nil
			}
		}
		searched = append(searched, b)
	}

	return "", &metadata.NotFoundInCacheError{
		TypeName:    typeName,
		SearchField: searchField,
		SearchValue: searchValue,
		Tenant:      tenant.ID,
	}
}

// GetPath returns the folder-qualified path of the item with the given id
func (c *MetadataCache) GetPath(tenant metadata.TenantContext, typeName, id string) (string, error) {
	return c.Lookup(tenant, typeName, id, FieldID, FieldPath)
}

// GetReference resolves a folder-qualified path to returnField of the item
func (c *MetadataCache) GetReference(tenant metadata.TenantContext, typeName, path, returnField string) (string, error) {
	return c.Lookup(tenant, typeName, path, FieldPath, returnField)
}

// Persist writes the tenant's bucket of typeName to the configured store
func (c *MetadataCache) Persist(ctx context.Context, tenant metadata.TenantContext, typeName string) error {
	if c.store == nil {
		return nil
	}
	data, err := json.Marshal(c.Items(tenant, typeName))
	if err != nil {
		return fmt.Errorf("failed to encode %s cache: %w", typeName, err)
	}
	return c.store.Set(ctx, storeKey(tenant.ID, typeName), data, 0)
}

// Warm loads the tenant's bucket of typeName from the store unless it is
// already populated. It reports whether the bucket is populated afterwards.
func (c *MetadataCache) Warm(ctx context.Context, tenant metadata.TenantContext, typeName string) (bool, error) {
	if c.Has(tenant, typeName) {
		return true, nil
	}
	if c.store == nil {
		return false, nil
	}

	data, err := c.store.Get(ctx, storeKey(tenant.ID, typeName))
	if err != nil {
		if IsStoreMiss(err) {
			return false, nil
		}
		return false, err
	}

	var items []metadata.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return false, fmt.Errorf("failed to decode %s cache: %w", typeName, err)
	}
	if err := c.SetItems(tenant, typeName, items); err != nil {
		return false, err
	}
	c.logger.Debug("cache warmed from store",
		zap.String("tenant", tenant.ID),
		zap.String("type", typeName),
		zap.Int("items", len(items)))
	return true, nil
}

// Tenants returns the ids of tenants with at least one bucket
func (c *MetadataCache) Tenants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	for k := range c.buckets {
		seen[k.tenant] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *MetadataCache) bucket(tenant, typeName string, create bool) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := bucketKey{tenant: tenant, typeName: typeName}
	b, ok := c.buckets[k]
	if !ok && create {
		b = newBucket(0)
		c.buckets[k] = b
	}
	return b
}

// scopes lists the tenant ids searched for tenant, child first
func (c *MetadataCache) scopes(tenant metadata.TenantContext, typeName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if parent, ok := c.fallback[tenant.ID][typeName]; ok && parent != tenant.ID {
		return []string{tenant.ID, parent}
	}
	return []string{tenant.ID}
}

// shadowed reports whether a bucket searched earlier holds key
func shadowed(buckets []*bucket, key string) bool {
	for _, b := range buckets {
		if b.has(key) {
			return true
		}
	}
	return false
}

func newBucket(size int) *bucket {
	return &bucket{
		byKey:  make(map[string]metadata.Item, size),
		byID:   make(map[string]string, size),
		byPath: make(map[string]string, size),
		order:  make([]string, 0, size),
	}
}

// put indexes item; the caller holds the write lock
func (b *bucket) put(def *metadata.TypeDefinition, item metadata.Item) {
	key := item.String(def.KeyField)
	if key == "" {
		return
	}
	if old, exists := b.byKey[key]; exists {
		b.unindex(def, key, old)
	} else {
		b.order = append(b.order, key)
	}
	b.byKey[key] = item

	if def.IDField != "" {
		if id := item.String(def.IDField); id != "" {
			b.byID[id] = key
		}
	}
	if path := item.String(pathField(def)); path != "" {
		b.byPath[path] = key
	}
}

// unindex drops the id and path entries that still point at key
func (b *bucket) unindex(def *metadata.TypeDefinition, key string, old metadata.Item) {
	if def.IDField != "" {
		if id := old.String(def.IDField); b.byID[id] == key {
			delete(b.byID, id)
		}
	}
	if path := old.String(pathField(def)); b.byPath[path] == key {
		delete(b.byPath, path)
	}
}

func (b *bucket) has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byKey[key]
	return ok
}

func (b *bucket) find(def *metadata.TypeDefinition, field, value string) metadata.Item {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch field {
	case def.KeyField:
		return b.byKey[value]
	case def.IDField:
		if key, ok := b.byID[value]; ok {
			return b.byKey[key]
		}
		return nil
	case pathField(def):
		if key, ok := b.byPath[value]; ok {
			return b.byKey[key]
		}
		return nil
	}

	for _, key := range b.order {
		item := b.byKey[key]
		if item.String(field) == value {
			return item
		}
	}
	return nil
}

func resolveField(def *metadata.TypeDefinition, field string) string {
	switch field {
	case FieldKey:
		return def.KeyField
	case FieldID:
		if def.IDField != "" {
			return def.IDField
		}
	case FieldPath:
		return pathField(def)
	}
	return field
}

func pathField(def *metadata.TypeDefinition) string {
	if def.PathField != "" {
		return def.PathField
	}
	return FieldPath
}

func storeKey(tenant, typeName string) string {
	return "items:" + tenant + ":" + typeName
}
