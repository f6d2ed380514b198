package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/report"
)

func newBuildTemplateCommand(opts *globalOptions) *cobra.Command {
	var market string

	cmd := &cobra.Command{
		Use:   "build-template <tenant> <type> [key...]",
		Short: "Turn retrieved items into portable templates",
		Long: `Turn retrieved items of one type into templates.

Values of the market variables are replaced by their {{placeholders}} and
tenant-bound references by portable ones. Without keys every retrieved item
of the type is templated.`,
		Example: `  metasync build-template dev query MC_Daily_DE --market de`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				source, err := a.tenant(args[0])
				if err != nil {
					return err
				}
				typeName := args[1]
				if err := a.checkTypes(typeName); err != nil {
					return err
				}
				vars, err := a.config.Variables(market)
				if err != nil {
					return err
				}
				if err := a.populate(ctx, source, []string{typeName}); err != nil {
					return err
				}

				items, summary, err := a.builder(a.config.Directories.Deploy).BuildTemplate(ctx, source, typeName, args[2:], vars)
				if err != nil {
					return err
				}
				return a.finish(fmt.Sprintf("Built %d template(s)", len(items)), "build-template", summary)
			})
		},
	}

	cmd.Flags().StringVarP(&market, "market", "m", "", "Market or market list whose values become placeholders")
	return cmd
}

func newBuildDefinitionCommand(opts *globalOptions) *cobra.Command {
	var (
		market string
		purge  bool
	)

	cmd := &cobra.Command{
		Use:   "build-definition <tenant> <type> [key...]",
		Short: "Build deployable definitions from templates",
		Long: `Build deployable definitions for a tenant from templates.

Placeholders are replaced by the market's values and portable references are
resolved against the target tenant. Keys may name a template or the concrete
key it produces for the market.`,
		Example: `  metasync build-definition prod query MC_Daily_{{suffix}} --market at
  metasync build-definition prod query --market at --purge`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				target, err := a.tenant(args[0])
				if err != nil {
					return err
				}
				typeName := args[1]
				if err := a.checkTypes(typeName); err != nil {
					return err
				}
				vars, err := a.config.Variables(market)
				if err != nil {
					return err
				}
				if err := a.populate(ctx, target, []string{typeName}); err != nil {
					return err
				}

				items, summary, err := a.builder(a.config.Directories.Deploy).BuildDefinition(ctx, target, typeName, args[2:], vars, purge)
				if err != nil {
					return err
				}
				return a.finish(fmt.Sprintf("Built %d definition(s) for %s", len(items), target.Name), "build-definition", summary)
			})
		},
	}

	cmd.Flags().StringVarP(&market, "market", "m", "", "Market or market list supplying the variable values")
	cmd.Flags().BoolVar(&purge, "purge", false, "Empty the type's deploy directory first")
	return cmd
}

func newBuildCommand(opts *globalOptions) *cobra.Command {
	var marketFrom, marketTo string

	cmd := &cobra.Command{
		Use:   "build <source> <target> <type> [key...]",
		Short: "Build definitions for one tenant from another tenant's items",
		Long: `Build definitions for the target tenant straight from items retrieved
from the source tenant, without writing templates.

--market-from names the variables found in the source items and --market-to
the values they are replaced with.`,
		Example: `  metasync build dev prod query MC_Daily_DE --market-from de --market-to at`,
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				source, err := a.tenant(args[0])
				if err != nil {
					return err
				}
				target, err := a.tenant(args[1])
				if err != nil {
					return err
				}
				typeName := args[2]
				if err := a.checkTypes(typeName); err != nil {
					return err
				}
				from, err := a.config.Variables(marketFrom)
				if err != nil {
					return err
				}
				to, err := a.config.Variables(marketTo)
				if err != nil {
					return err
				}
				for _, t := range []metadata.TenantContext{source, target} {
					if err := a.populate(ctx, t, []string{typeName}); err != nil {
						return err
					}
				}

				summary := report.New()
				items, err := a.loadRetrieved(source, typeName, args[3:], summary)
				if err != nil {
					return err
				}
				built, err := a.builder(a.config.Directories.Deploy).Build(ctx, source, target, typeName, items, from, to, summary)
				if err != nil {
					return err
				}
				return a.finish(fmt.Sprintf("Built %d definition(s) from %s for %s", len(built), source.Name, target.Name), "build", summary)
			})
		},
	}

	cmd.Flags().StringVar(&marketFrom, "market-from", "", "Market describing the source items")
	cmd.Flags().StringVar(&marketTo, "market-to", "", "Market supplying the target values")
	return cmd
}

// loadRetrieved reads retrieved items of tenant; missing keys fail only
// their own item
func (a *app) loadRetrieved(tenant metadata.TenantContext, typeName string, keys []string, summary *report.Summary) ([]metadata.Item, error) {
	root := a.config.Directories.Retrieve
	if len(keys) == 0 {
		return a.store.ReadType(root, tenant.Name, typeName)
	}
	items := make([]metadata.Item, 0, len(keys))
	for _, key := range keys {
		item, err := a.store.ReadItem(root, tenant.Name, typeName, key)
		if err != nil {
			summary.Fail(typeName, key, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
