package snapshot

import (
	"context"
	"sort"

	"github.com/conduit-lang/metasync/internal/delta"
)

// Lister diffs two stored snapshots
type Lister struct {
	store *Store
}

// NewLister creates a lister over store
func NewLister(store *Store) *Lister {
	return &Lister{store: store}
}

// ListChangedPaths compares the hashes of two snapshots. A deleted and an
// added path with identical content are reported as one move.
func (l *Lister) ListChangedPaths(ctx context.Context, before, after string) ([]delta.Change, error) {
	prev, err := l.store.Hashes(ctx, before)
	if err != nil {
		return nil, err
	}
	curr, err := l.store.Hashes(ctx, after)
	if err != nil {
		return nil, err
	}
	return Diff(prev, curr), nil
}

// Content returns the captured content of path at ref
func (l *Lister) Content(ctx context.Context, ref, path string) ([]byte, error) {
	return l.store.Content(ctx, ref, path)
}

// Diff compares two path → hash manifests. Renames are matched by exact
// hash, pairing sorted removed paths with sorted added paths.
func Diff(prev, curr map[string]string) []delta.Change {
	var changes []delta.Change
	var removed, added []string

	for p, h := range prev {
		ch, ok := curr[p]
		switch {
		case !ok:
			removed = append(removed, p)
		case ch != h:
			changes = append(changes, delta.Change{Kind: delta.Modified, Path: p})
		}
	}
	for p := range curr {
		if _, ok := prev[p]; !ok {
			added = append(added, p)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)

	byHash := make(map[string][]string, len(removed))
	for _, p := range removed {
		byHash[prev[p]] = append(byHash[prev[p]], p)
	}
	matched := make(map[string]bool)
	for _, p := range added {
		candidates := byHash[curr[p]]
		if len(candidates) == 0 {
			changes = append(changes, delta.Change{Kind: delta.Added, Path: p})
			continue
		}
		from := candidates[0]
		byHash[curr[p]] = candidates[1:]
		matched[from] = true
		changes = append(changes, delta.Change{Kind: delta.Moved, Path: p, OldPath: from})
	}
	for _, p := range removed {
		if !matched[p] {
			changes = append(changes, delta.Change{Kind: delta.Deleted, Path: p})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
