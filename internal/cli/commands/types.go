package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/metasync/internal/cli/ui"
)

func newTypesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the metadata type catalog in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				order, err := a.resolver.Resolve(a.catalog.Types())
				if err != nil {
					return err
				}
				defaults := map[string]bool{}
				for _, t := range a.catalog.DefaultTypes() {
					defaults[t] = true
				}

				table := ui.NewTable(a.out, []string{"ORDER", "TYPE", "KEY", "DEPENDS ON", "REFERENCES", "DEFAULT"}, &ui.TableOptions{NoColor: a.noColor})
				for i, name := range order {
					def, err := a.catalog.Definition(name)
					if err != nil {
						return err
					}
					var refs []string
					for _, ref := range def.References {
						refs = append(refs, ref.Field+"→"+ref.Type)
					}
					table.AddRow(
						strconv.Itoa(i+1),
						name,
						def.KeyField,
						strings.Join(def.Dependencies, ", "),
						strings.Join(refs, ", "),
						yesNo(defaults[name]),
					)
				}
				table.Render()
				return nil
			})
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
