package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prodash/erplink/internal/appctx"
	"github.com/prodash/erplink/internal/output"
)

// NewTestCmd creates the connection test command.
func NewTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the ERP connection",
		Long:  "Perform one lightweight authenticated request and report reachability.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if ok := app.Session.TestConnection(cmd.Context()); !ok {
				return &output.Error{Code: output.CodeNetwork, Message: "Connection failed"}
			}

			fmt.Println("Connection OK")
			return nil
		},
	}
}
