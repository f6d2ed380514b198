package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/metasync/internal/cli/ui"
	"github.com/conduit-lang/metasync/internal/delta"
	"github.com/conduit-lang/metasync/internal/delta/snapshot"
)

const (
	listerGit      = "git"
	listerSnapshot = "snapshot"
)

// changeLister opens the lister selected by name; the returned func
// releases it
func (a *app) changeLister(ctx context.Context, name string) (delta.ChangeLister, func(), error) {
	switch name {
	case listerGit:
		return delta.NewGitLister(a.config.Root, a.config.Directories.Retrieve), func() {}, nil
	case listerSnapshot:
		s, err := a.openSnapshots(ctx)
		if err != nil {
			return nil, nil, err
		}
		return snapshot.NewLister(s), func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lister %q (use %s or %s)", name, listerGit, listerSnapshot)
	}
}

func (a *app) openSnapshots(ctx context.Context) (*snapshot.Store, error) {
	dsn, err := a.snapshotDSN()
	if err != nil {
		return nil, err
	}
	s, err := snapshot.Open(ctx, a.config.Snapshots.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	return s, nil
}

func newBuildDeltaCommand(opts *globalOptions) *cobra.Command {
	var (
		filters    []string
		lister     string
		source     string
		target     string
		marketFrom string
		marketTo   string
		noManifest bool
	)

	cmd := &cobra.Command{
		Use:   "build-delta <from-ref> <to-ref>",
		Short: "Build a deployable package of the items changed between two refs",
		Long: `Build a deployable package of the items changed between two refs.

Refs are git revisions (--lister git) or names captured with
"metasync snapshot" (--lister snapshot). Changed files are mapped to items,
ordered by type dependencies and copied into the delta package directory
together with manifest.json and CHANGES.md. With --source and --target the
items of the source tenant are built for the target tenant instead.`,
		Example: `  metasync build-delta main HEAD
  metasync build-delta v1 v2 --lister snapshot --filter dev/query
  metasync build-delta main HEAD --source dev --target prod --market-from de --market-to at`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				if (source == "") != (target == "") {
					return fmt.Errorf("--source and --target must be given together")
				}

				l, release, err := a.changeLister(ctx, lister)
				if err != nil {
					return err
				}
				defer release()

				root := a.config.Directories.Retrieve
				engineOpts := []delta.Option{delta.WithLogger(a.logger)}
				if a.validator != nil {
					engineOpts = append(engineOpts, delta.WithValidator(a.validator))
				}
				engine := delta.New(a.catalog, a.store, l, root, engineOpts...)
				items, err := engine.GetDeltaList(ctx, args[0], args[1], filters...)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					ui.WriteSuccess(a.out, fmt.Sprintf("No changes between %s and %s", args[0], args[1]), a.noColor)
					return nil
				}

				buildOpts := delta.BuildOptions{
					OutputRoot: a.config.Directories.DeltaPackage,
					Manifest:   !noManifest,
					Before:     args[0],
					After:      args[1],
				}
				if source != "" {
					if buildOpts.Source, err = a.tenant(source); err != nil {
						return err
					}
					if buildOpts.Target, err = a.tenant(target); err != nil {
						return err
					}
					if buildOpts.From, err = a.config.Variables(marketFrom); err != nil {
						return err
					}
					if buildOpts.To, err = a.config.Variables(marketTo); err != nil {
						return err
					}
					types := changedTypes(items)
					if err := a.populate(ctx, buildOpts.Source, types); err != nil {
						return err
					}
					if err := a.populate(ctx, buildOpts.Target, types); err != nil {
						return err
					}
					buildOpts.Builder = a.builder(buildOpts.OutputRoot)
				}

				list, summary, err := engine.BuildDeltaDefinitions(ctx, items, buildOpts)
				if err != nil {
					return err
				}
				a.logger.Debug("delta package written",
					zap.String("path", buildOpts.OutputRoot),
					zap.Int("changed", len(items)))
				title := fmt.Sprintf("Delta %s..%s: %d changed, %d packaged", args[0], args[1], len(items), list.Len())
				return a.finish(title, "build-delta", summary)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&filters, "filter", "f", nil, "Only include paths below this prefix (repeatable)")
	cmd.Flags().StringVar(&lister, "lister", listerGit, "Change source: git or snapshot")
	cmd.Flags().StringVar(&source, "source", "", "Tenant the changed items belong to")
	cmd.Flags().StringVar(&target, "target", "", "Tenant to build the changed items for")
	cmd.Flags().StringVar(&marketFrom, "market-from", "", "Market describing the source items")
	cmd.Flags().StringVar(&marketTo, "market-to", "", "Market supplying the target values")
	cmd.Flags().BoolVar(&noManifest, "no-manifest", false, "Do not write manifest.json and CHANGES.md")
	return cmd
}

// changedTypes returns the distinct types of items in order of appearance
func changedTypes(items []delta.Item) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if !seen[it.TypeName] {
			seen[it.TypeName] = true
			out = append(out, it.TypeName)
		}
	}
	return out
}

func newSnapshotCommand(opts *globalOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "snapshot [ref]",
		Short: "Record the retrieve directory as a named snapshot",
		Long: `Record a content hash of every file in the retrieve directory under ref.

Snapshots are the refs compared by "metasync build-delta --lister snapshot".
Recording an existing ref replaces it.`,
		Example: `  metasync snapshot v1
  metasync snapshot --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !list && len(args) == 0 {
				return fmt.Errorf("a snapshot ref is required")
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				s, err := a.openSnapshots(ctx)
				if err != nil {
					return err
				}
				defer s.Close()

				if list {
					refs, err := s.Refs(ctx)
					if err != nil {
						return err
					}
					table := ui.NewTable(a.out, []string{"REF"}, &ui.TableOptions{NoColor: a.noColor})
					for _, ref := range refs {
						table.AddRow(ref)
					}
					table.Render()
					return nil
				}

				n, err := s.Capture(ctx, args[0], a.store.Fs(), a.config.Directories.Retrieve)
				if err != nil {
					return err
				}
				ui.WriteSuccess(a.out, fmt.Sprintf("Snapshot %s recorded (%d files)", args[0], n), a.noColor)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List recorded snapshots")
	return cmd
}
