package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/prodash/erplink/internal/appctx"
	"github.com/prodash/erplink/internal/config"
	"github.com/prodash/erplink/internal/output"
)

// configKeys maps settable keys to accessors on the config struct.
var configKeys = map[string]struct {
	get func(*config.Config) string
	set func(*config.Config, string)
}{
	"base_url":       {func(c *config.Config) string { return c.BaseURL }, func(c *config.Config, v string) { c.BaseURL = v }},
	"auth_type":      {func(c *config.Config) string { return c.AuthType }, func(c *config.Config, v string) { c.AuthType = v }},
	"client_id":      {func(c *config.Config) string { return c.ClientID }, func(c *config.Config, v string) { c.ClientID = v }},
	"client_secret":  {func(c *config.Config) string { return c.ClientSecret }, func(c *config.Config, v string) { c.ClientSecret = v }},
	"api_key":        {func(c *config.Config) string { return c.APIKey }, func(c *config.Config, v string) { c.APIKey = v }},
	"token_endpoint": {func(c *config.Config) string { return c.TokenEndpoint }, func(c *config.Config, v string) { c.TokenEndpoint = v }},
	"scope":          {func(c *config.Config) string { return c.Scope }, func(c *config.Config, v string) { c.Scope = v }},
	"test_path":      {func(c *config.Config) string { return c.TestPath }, func(c *config.Config, v string) { c.TestPath = v }},
}

// secretKeys are masked in list output.
var secretKeys = map[string]bool{
	"client_secret": true,
	"api_key":       true,
}

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and modify configuration",
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resolved configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			keys := make([]string, 0, len(configKeys))
			for k := range configKeys {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				v := configKeys[k].get(app.Config)
				if v == "" {
					continue
				}
				if secretKeys[k] {
					v = "********"
				}
				source := app.Config.Sources[k]
				if source == "" {
					source = string(config.SourceDefault)
				}
				fmt.Printf("%-15s %-30s (%s)\n", k, v, source)
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			accessor, ok := configKeys[args[0]]
			if !ok {
				return output.ErrUsage("unknown config key: " + args[0])
			}
			fmt.Println(accessor.get(app.Config))
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value in the global config file",
		Long: "Set a configuration value. Secrets written here are stored in plain\n" +
			"text; prefer ERPLINK_CLIENT_SECRET / ERPLINK_API_KEY in the environment.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			accessor, ok := configKeys[args[0]]
			if !ok {
				return output.ErrUsage("unknown config key: " + args[0])
			}
			accessor.set(app.Config, args[1])
			if err := app.Config.Save(); err != nil {
				return err
			}

			// Keep the active session in line with the new profile.
			if err := app.Session.Configure(app.Config.ClientConfig()); err != nil {
				return err
			}

			fmt.Printf("Set %s\n", args[0])
			return nil
		},
	}
}
