package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// HashContent computes the SHA-256 hash of content
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Collect reads every file below root. Paths are slash-separated and
// include root, so they match the paths a version control diff reports.
// A missing root is an empty tree.
func Collect(fsys afero.Fs, root string) ([]File, error) {
	if ok, err := afero.Exists(fsys, root); err != nil || !ok {
		return nil, err
	}
	var files []File
	err := afero.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		content, err := afero.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			Path:    path.Clean(filepath.ToSlash(p)),
			Hash:    HashContent(content),
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Capture records every file below root as snapshot ref and returns the
// number of files captured. Capturing an existing ref replaces it.
func (s *Store) Capture(ctx context.Context, ref string, fsys afero.Fs, root string) (int, error) {
	files, err := Collect(fsys, root)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", root, err)
	}
	if err := s.Save(ctx, ref, files); err != nil {
		return 0, err
	}
	return len(files), nil
}
