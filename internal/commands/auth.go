// Package commands implements the CLI commands.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodash/erplink/internal/appctx"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage ERP authentication",
		Long:  "Manage ERP credentials: login, logout, status, refresh, token.",
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthStatusCmd(),
		newAuthRefreshCmd(),
		newAuthTokenCmd(),
	)

	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var code string
	var redirectURI string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the ERP",
		Long: "Obtain a token using the configured auth type. With --code, performs an\n" +
			"authorization-code exchange instead of the client-credentials grant.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Session.Configure(app.Config.ClientConfig()); err != nil {
				return err
			}

			var err error
			if code != "" {
				_, err = app.Session.ExchangeCode(cmd.Context(), code, redirectURI)
			} else {
				_, err = app.Session.Authenticate(cmd.Context())
			}
			if err != nil {
				return err
			}

			fmt.Println("Authentication successful!")
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "Authorization code to exchange")
	cmd.Flags().StringVar(&redirectURI, "redirect-uri", "", "Redirect URI used to obtain the code")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Session.ClearAuth(); err != nil {
				return err
			}

			fmt.Println("Logged out")
			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			rec := app.Session.Provider().Current()
			if rec == nil {
				fmt.Println("Not authenticated")
				return nil
			}

			if app.Session.IsAuthenticated() {
				fmt.Println("Authenticated")
			} else {
				fmt.Println("Token expired")
			}
			if !rec.ExpiresAt.IsZero() {
				fmt.Printf("Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
			} else {
				fmt.Println("Expires: never")
			}
			if rec.RefreshToken != "" {
				fmt.Println("Refresh token: present")
			}
			if app.Session.Monitor().Running() {
				fmt.Println("Expiration monitor: running")
			}
			return nil
		},
	}
}

func newAuthRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a token refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			rec, err := app.Session.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println("Token refreshed")
			if !rec.ExpiresAt.IsZero() {
				fmt.Printf("Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newAuthTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the current access token",
		Long:  "Print a valid access token, acquiring or refreshing one if needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Session.Configure(app.Config.ClientConfig()); err != nil {
				return err
			}
			rec, err := app.Session.Authenticate(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Println(rec.AccessToken)
			return nil
		},
	}
}
