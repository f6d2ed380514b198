package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
)

// Manifest files written next to a delta package
const (
	ManifestFile = "manifest.json"
	ChangesFile  = "CHANGES.md"
)

// Manifest describes one delta package
type Manifest struct {
	RunID     string    `json:"runId"`
	Before    string    `json:"before"`
	After     string    `json:"after"`
	CreatedAt time.Time `json:"createdAt"`
	Items     []Item    `json:"items"`
}

// NewManifest creates a manifest with a fresh run id
func NewManifest(before, after string, items []Item) *Manifest {
	if items == nil {
		items = []Item{}
	}
	return &Manifest{
		RunID:     uuid.NewString(),
		Before:    before,
		After:     after,
		CreatedAt: time.Now().UTC(),
		Items:     items,
	}
}

// WriteManifest writes manifest.json and a human-readable CHANGES.md into
// dir. Unified diffs are included when the lister can read file contents.
func (e *Engine) WriteManifest(ctx context.Context, dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := e.store.WriteFile(filepath.Join(dir, ManifestFile), append(data, '\n')); err != nil {
		return err
	}

	reader, _ := e.lister.(ContentReader)
	changes := RenderChanges(ctx, m, reader, e.logger)
	return e.store.WriteFile(filepath.Join(dir, ChangesFile), []byte(changes))
}

// RenderChanges formats the manifest as markdown. reader may be nil.
func RenderChanges(ctx context.Context, m *Manifest, reader ContentReader, logger *zap.Logger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Delta %s..%s\n\n", m.Before, m.After)
	fmt.Fprintf(&b, "Run `%s`, %d item(s).\n\n", m.RunID, len(m.Items))

	for _, it := range m.Items {
		fmt.Fprintf(&b, "## %s %s/%s (%s)\n\n", it.Kind, it.Tenant, it.Key, it.TypeName)
		if it.OldKey != "" {
			fmt.Fprintf(&b, "Moved from `%s`.\n\n", it.OldKey)
		}
		for _, p := range it.Paths {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
		b.WriteString("\n")

		if reader == nil {
			continue
		}
		for _, p := range it.Paths {
			diff, err := unifiedDiff(ctx, reader, m.Before, m.After, p)
			if err != nil {
				logger.Debug("no diff for path", zap.String("path", p), zap.Error(err))
				continue
			}
			if diff == "" {
				continue
			}
			b.WriteString("```diff\n")
			b.WriteString(diff)
			if !strings.HasSuffix(diff, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("```\n\n")
		}
	}
	return b.String()
}

// unifiedDiff compares path at both refs; a side that cannot be read is
// treated as empty
func unifiedDiff(ctx context.Context, reader ContentReader, before, after, p string) (string, error) {
	a, errA := reader.Content(ctx, before, p)
	b, errB := reader.Content(ctx, after, p)
	if errA != nil && errB != nil {
		return "", errB
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: before + "/" + p,
		ToFile:   after + "/" + p,
		Context:  3,
	})
}
