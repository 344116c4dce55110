// Package cli wires the cobra command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prodash/erplink/internal/appctx"
	"github.com/prodash/erplink/internal/commands"
	"github.com/prodash/erplink/internal/config"
	"github.com/prodash/erplink/internal/output"
	"github.com/prodash/erplink/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:           "erplink",
		Short:         "Manage the ERP connection for the production dashboard",
		Long:          "erplink configures, authenticates, and exercises the outbound ERP API connection.",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(config.FlagOverrides{
				BaseURL:       flags.BaseURL,
				EnvFile:       flags.EnvFile,
				CredentialDir: flags.CredentialDir,
			})
			if err != nil {
				return err
			}

			app := appctx.NewApp(cfg)
			app.Flags = flags
			app.ApplyFlags()

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app := appctx.FromContext(cmd.Context()); app != nil {
				app.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.BaseURL, "base-url", "", "ERP API base URL")
	cmd.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "Path to an env file to load")
	cmd.PersistentFlags().StringVar(&flags.CredentialDir, "credential-dir", "", "Directory for fallback credential storage")
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output (-v for info, -vv for debug)")

	return cmd
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	cmd := NewRootCmd()

	cmd.AddCommand(commands.NewAuthCmd())
	cmd.AddCommand(commands.NewAPICmd())
	cmd.AddCommand(commands.NewConfigCmd())
	cmd.AddCommand(commands.NewTestCmd())
	cmd.AddCommand(commands.NewVersionCmd())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "erplink: %s\n", err)
		var oe *output.Error
		if errors.As(err, &oe) {
			os.Exit(oe.ExitCode())
		}
		os.Exit(output.ExitUsage)
	}
}
