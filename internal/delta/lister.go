package delta

import "context"

// Kind of change of one path or item
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	Moved    Kind = "moved"
)

// Change is one changed path between two refs. OldPath is set for moves.
type Change struct {
	Kind    Kind
	Path    string
	OldPath string
}

// ChangeLister lists the slash-separated, repository-relative paths that
// differ between two refs. Git and content-hash snapshots both satisfy it.
type ChangeLister interface {
	ListChangedPaths(ctx context.Context, before, after string) ([]Change, error)
}

// ContentReader is implemented by listers that can return a file's content
// at a ref. It is used for the diffs of the change manifest.
type ContentReader interface {
	Content(ctx context.Context, ref, path string) ([]byte, error)
}
