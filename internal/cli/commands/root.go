package commands

import (
	"context"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/metasync/internal/cli/ui"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	return newRootCommand(&globalOptions{})
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metasync",
		Short: "Retrieve, templatize and deploy marketing-platform metadata",
		Long: color.CyanString(`metasync - metadata synchronization between tenants

metasync retrieves metadata from a tenant into a local repository, turns it
into portable templates, builds those templates for other tenants and
deploys the result in dependency order.

Features:
  • Dependency-ordered retrieval and deployment
  • Cross-tenant reference resolution
  • Market variables for templates
  • Delta packages from git or snapshot diffs`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to the console")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	flags.StringVarP(&opts.dir, "dir", "C", "", "Run as if started in this directory")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if opts.noColor {
			color.NoColor = true
		}
	}

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(newTypesCommand(opts))
	rootCmd.AddCommand(newRetrieveCommand(opts))
	rootCmd.AddCommand(newBuildTemplateCommand(opts))
	rootCmd.AddCommand(newBuildDefinitionCommand(opts))
	rootCmd.AddCommand(newBuildCommand(opts))
	rootCmd.AddCommand(newBuildDeltaCommand(opts))
	rootCmd.AddCommand(newSnapshotCommand(opts))
	rootCmd.AddCommand(newDeployCommand(opts))

	return rootCmd
}

// runWithApp wires the engine for one command invocation
func runWithApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the metasync version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			// Set GoVersion to actual runtime if not set at build time
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			table := ui.NewKeyValueTable(cmd.OutOrStdout(), color.NoColor)
			table.AddRow("metasync version", Version)
			table.AddRow("Git commit", GitCommit)
			table.AddRow("Build date", BuildDate)
			table.AddRow("Go version", goVer)
			table.Render()
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
