package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/metasync/internal/retrieve"
)

func newRetrieveCommand(opts *globalOptions) *cobra.Command {
	var (
		keys   []string
		market string
	)

	cmd := &cobra.Command{
		Use:   "retrieve <tenant> [type...]",
		Short: "Retrieve metadata from a tenant",
		Long: `Retrieve metadata from a tenant into the retrieve directory.

Types are fetched in dependency order; dependencies that were not requested
only populate the reference cache. Without types the catalog's default types
are retrieved. With --market the items are stored as templates instead.`,
		Example: `  metasync retrieve dev
  metasync retrieve dev query --key MC_Daily
  metasync retrieve dev dataExtension --market de`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				tenant, err := a.tenant(args[0])
				if err != nil {
					return err
				}
				types := args[1:]
				if err := a.checkTypes(types...); err != nil {
					return err
				}

				req := retrieve.Request{Tenant: tenant, Types: types, Keys: keys}
				if market != "" {
					vars, err := a.config.Variables(market)
					if err != nil {
						return err
					}
					req.Variables = vars
				}

				list, summary, err := a.retriever().Retrieve(ctx, req)
				if err != nil {
					return err
				}
				title := fmt.Sprintf("Retrieved %d item(s) from %s", list.Len(), tenant.Name)
				return a.finish(title, "retrieve", summary)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&keys, "key", "k", nil, "Only write items with this key or name (repeatable)")
	cmd.Flags().StringVarP(&market, "market", "m", "", "Store the items as templates using this market or market list")
	return cmd
}
