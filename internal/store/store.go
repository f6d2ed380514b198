// Package store reads and writes metadata items on the local filesystem.
//
// Layout: <root>/<tenant>/<type>/<key>.<type>-meta.json, plus one sibling
// file <key>.<type>-meta.<ext> per extracted field (SQL, script bodies).
// Keys are path-escaped so every file name maps back to exactly one key.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/conduit-lang/metasync/internal/metadata"
)

// ErrNotExist is returned when an item has no file
var ErrNotExist = errors.New("item does not exist")

// FileStore persists items through an afero filesystem
type FileStore struct {
	fs      afero.Fs
	catalog metadata.Catalog
}

// New creates a store on fs
func New(fs afero.Fs, catalog metadata.Catalog) *FileStore {
	return &FileStore{fs: fs, catalog: catalog}
}

// NewOS creates a store on the operating system filesystem
func NewOS(catalog metadata.Catalog) *FileStore {
	return New(afero.NewOsFs(), catalog)
}

// Fs returns the underlying filesystem
func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// FileName returns the base name of an item's main file
func FileName(typeName, key string) string {
	return EscapeKey(key) + "." + typeName + "-meta.json"
}

// SiblingName returns the base name of an extracted-field file
func SiblingName(typeName, key, ext string) string {
	return EscapeKey(key) + "." + typeName + "-meta." + ext
}

// unsafeKeyChars are percent-encoded in file names
const unsafeKeyChars = `%/\:*?"<>|`

// EscapeKey makes a key safe for use as a file name. Only characters that
// are unsafe on common filesystems are percent-encoded.
func EscapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r < 0x20 || strings.ContainsRune(unsafeKeyChars, r) {
			fmt.Fprintf(&b, "%%%02X", r)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeKey reverses EscapeKey
func UnescapeKey(name string) (string, error) {
	return url.PathUnescape(name)
}

// TypeDir returns the directory holding a tenant's items of a type
func TypeDir(root, tenant, typeName string) string {
	return filepath.Join(root, tenant, typeName)
}

// ItemPaths returns the main file followed by sibling files of an item
func (s *FileStore) ItemPaths(root, tenant, typeName, key string) ([]string, error) {
	def, err := s.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}
	dir := TypeDir(root, tenant, typeName)
	paths := []string{filepath.Join(dir, FileName(typeName, key))}
	for _, ext := range sortedExts(def) {
		paths = append(paths, filepath.Join(dir, SiblingName(typeName, key, ext)))
	}
	return paths, nil
}

// WriteItem serializes item and returns the paths written
func (s *FileStore) WriteItem(root, tenant, typeName string, item metadata.Item) ([]string, error) {
	def, err := s.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}
	key := item.String(def.KeyField)
	if key == "" {
		return nil, fmt.Errorf("cannot write %s item without %s", typeName, def.KeyField)
	}

	dir := TypeDir(root, tenant, typeName)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	body := item.Clone()
	written := make([]string, 0, 1+len(def.ExtractedFields))
	for field, ext := range def.ExtractedFields {
		content, ok := body[field].(string)
		if !ok {
			continue
		}
		delete(body, field)
		p := filepath.Join(dir, SiblingName(typeName, key, ext))
		if err := s.WriteFile(p, []byte(content)); err != nil {
			return nil, err
		}
		written = append(written, p)
	}

	data, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %q: %w", typeName, key, err)
	}
	main := filepath.Join(dir, FileName(typeName, key))
	if err := s.WriteFile(main, data); err != nil {
		return nil, err
	}

	sort.Strings(written)
	return append([]string{main}, written...), nil
}

// ReadItem loads an item and merges its extracted-field siblings back in
func (s *FileStore) ReadItem(root, tenant, typeName, key string) (metadata.Item, error) {
	def, err := s.catalog.Definition(typeName)
	if err != nil {
		return nil, err
	}
	dir := TypeDir(root, tenant, typeName)

	data, err := s.ReadFile(filepath.Join(dir, FileName(typeName, key)))
	if err != nil {
		return nil, err
	}
	var item metadata.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode %s %q: %w", typeName, key, err)
	}

	for field, ext := range def.ExtractedFields {
		content, err := s.ReadFile(filepath.Join(dir, SiblingName(typeName, key, ext)))
		if errors.Is(err, ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		item[field] = string(content)
	}
	return item, nil
}

// Keys lists the keys of a tenant's items of a type, sorted
func (s *FileStore) Keys(root, tenant, typeName string) ([]string, error) {
	dir := TypeDir(root, tenant, typeName)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	suffix := "." + typeName + "-meta.json"
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		key, err := UnescapeKey(strings.TrimSuffix(e.Name(), suffix))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ReadType loads every item of a type for a tenant, ordered by key
func (s *FileStore) ReadType(root, tenant, typeName string) ([]metadata.Item, error) {
	keys, err := s.Keys(root, tenant, typeName)
	if err != nil {
		return nil, err
	}
	items := make([]metadata.Item, 0, len(keys))
	for _, key := range keys {
		item, err := s.ReadItem(root, tenant, typeName, key)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Purge removes the directory of a tenant's items of a type
func (s *FileStore) Purge(root, tenant, typeName string) error {
	return s.fs.RemoveAll(TypeDir(root, tenant, typeName))
}

// WriteFile writes raw bytes, creating parent directories
func (s *FileStore) WriteFile(p string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

// ReadFile reads raw bytes
func (s *FileStore) ReadFile(p string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
		}
		return nil, err
	}
	return data, nil
}

// Marshal encodes an item as indented JSON with a trailing newline
func Marshal(item metadata.Item) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Location is an item address recovered from a file path
type Location struct {
	Tenant   string
	TypeName string
	Key      string
	// Main is true for the item's JSON file, false for a sibling
	Main bool
}

// ParsePath maps a slash-separated path relative to the metadata root back to
// the item it belongs to. Any sibling file maps to the same item.
func (s *FileStore) ParsePath(rel string) (Location, bool) {
	rel = path.Clean(filepath.ToSlash(rel))
	parts := strings.Split(rel, "/")
	if len(parts) != 3 {
		return Location{}, false
	}
	tenant, typeName, file := parts[0], parts[1], parts[2]

	def, err := s.catalog.Definition(typeName)
	if err != nil {
		return Location{}, false
	}

	marker := "." + typeName + "-meta."
	idx := strings.LastIndex(file, marker)
	if idx <= 0 {
		return Location{}, false
	}
	ext := file[idx+len(marker):]
	if ext != "json" && !hasExt(def, ext) {
		return Location{}, false
	}
	key, err := UnescapeKey(file[:idx])
	if err != nil {
		return Location{}, false
	}
	return Location{Tenant: tenant, TypeName: typeName, Key: key, Main: ext == "json"}, true
}

func hasExt(def *metadata.TypeDefinition, ext string) bool {
	for _, e := range def.ExtractedFields {
		if e == ext {
			return true
		}
	}
	return false
}

func sortedExts(def *metadata.TypeDefinition) []string {
	exts := make([]string, 0, len(def.ExtractedFields))
	for _, ext := range def.ExtractedFields {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
