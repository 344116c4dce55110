package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/prodash/erplink/internal/api"
	"github.com/prodash/erplink/internal/appctx"
	"github.com/prodash/erplink/internal/output"
)

// NewAPICmd creates the raw API request command group.
func NewAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Make raw ERP API requests",
		Long:  "Perform authenticated requests against the configured ERP base URL.",
	}

	for _, method := range []string{"get", "post", "put", "patch", "delete"} {
		cmd.AddCommand(newAPIMethodCmd(method))
	}
	cmd.AddCommand(newAPIDownloadCmd())

	return cmd
}

func newAPIMethodCmd(method string) *cobra.Command {
	var data string
	var params []string
	var retries int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   method + " <path>",
		Short: fmt.Sprintf("Perform a %s request", strings.ToUpper(method)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			client := app.Session.Client()
			if client == nil {
				return output.ErrConfig("no ERP connection configured; run: erplink config set")
			}

			opts := &api.RequestOptions{Timeout: timeout}
			if cmd.Flags().Changed("retries") {
				opts.Retries = api.Retries(retries)
			}
			if data != "" {
				opts.Body = []byte(data)
				opts.Headers = map[string]string{"Content-Type": "application/json"}
			}
			if len(params) > 0 {
				opts.Params = url.Values{}
				for _, p := range params {
					k, v, ok := strings.Cut(p, "=")
					if !ok {
						return output.ErrUsage("invalid --param, expected key=value: " + p)
					}
					opts.Params.Add(k, v)
				}
			}

			resp, err := client.Request(cmd.Context(), strings.ToUpper(method), args[0], opts)
			if err != nil {
				return err
			}

			printPayload(resp.Data)
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body (JSON)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Query parameter (key=value, repeatable)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry attempts after the first failure")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (e.g. 10s)")

	return cmd
}

func newAPIDownloadCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "download <path>",
		Short: "Download a resource as a raw payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			client := app.Session.Client()
			if client == nil {
				return output.ErrConfig("no ERP connection configured; run: erplink config set")
			}

			resp, err := client.Download(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}

			if outFile == "" || outFile == "-" {
				_, err = os.Stdout.Write(resp.Data)
				return err
			}
			if err := os.WriteFile(outFile, resp.Data, 0644); err != nil {
				return err
			}
			fmt.Printf("Wrote %d bytes to %s\n", len(resp.Data), outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Output file (default stdout)")

	return cmd
}

// printPayload pretty-prints JSON payloads and passes anything else through
// untouched.
func printPayload(data []byte) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	os.Stdout.Write(data)
}
