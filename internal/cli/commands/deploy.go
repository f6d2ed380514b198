package commands

import (
	"context"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/metasync/internal/cli/ui"
	"github.com/conduit-lang/metasync/internal/deploy"
	"github.com/conduit-lang/metasync/internal/metadata"
)

func newDeployCommand(opts *globalOptions) *cobra.Command {
	var (
		yes       bool
		fromDelta bool
	)

	cmd := &cobra.Command{
		Use:   "deploy <tenant> [type...]",
		Short: "Create or update built definitions in a tenant",
		Long: `Deploy the definitions built for a tenant.

Items are read from the tenant's deploy directory (or the delta package with
--delta) and pushed in dependency order. Items already present in the tenant
are updated, the others created. You are asked to confirm unless --yes is
given.`,
		Example: `  metasync deploy prod
  metasync deploy prod query --yes
  metasync deploy prod --delta`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app) error {
				target, err := a.tenant(args[0])
				if err != nil {
					return err
				}
				types := args[1:]
				if err := a.checkTypes(types...); err != nil {
					return err
				}
				if len(types) == 0 {
					types = a.catalog.Types()
				}

				dir := a.deployDir(fromDelta)
				list := metadata.NewMultiTypeItemList()
				for _, t := range types {
					items, err := a.store.ReadType(dir, target.Name, t)
					if err != nil {
						return fmt.Errorf("failed to read %s items: %w", t, err)
					}
					if len(items) > 0 {
						list.Add(t, items...)
					}
				}
				if list.Len() == 0 {
					ui.WriteSuccess(a.out, fmt.Sprintf("Nothing to deploy for %s in %s", target.Name, dir), a.noColor)
					return nil
				}

				if !yes {
					confirmed := false
					prompt := &survey.Confirm{
						Message: fmt.Sprintf("Deploy %d item(s) of %d type(s) to %s?", list.Len(), len(list.Types()), target.Name),
						Default: false,
					}
					if err := survey.AskOne(prompt, &confirmed); err != nil {
						return err
					}
					if !confirmed {
						fmt.Fprintln(a.out, "Deploy cancelled")
						return nil
					}
				}

				if err := a.populate(ctx, target, list.Types()); err != nil {
					return err
				}
				deployOpts := []deploy.Option{deploy.WithLogger(a.logger)}
				if a.validator != nil {
					deployOpts = append(deployOpts, deploy.WithValidator(a.validator))
				}
				deployer := deploy.New(a.catalog, a.registry, a.cache, a.provider,
					deploy.Options{Concurrency: a.config.Options.Concurrency},
					deployOpts...)
				summary, err := deployer.Deploy(ctx, target, list)
				if err != nil {
					return err
				}
				return a.finish(fmt.Sprintf("Deployed to %s", target.Name), "deploy", summary)
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Deploy without asking for confirmation")
	cmd.Flags().BoolVar(&fromDelta, "delta", false, "Deploy the delta package instead of the deploy directory")
	return cmd
}
