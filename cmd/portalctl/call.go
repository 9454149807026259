package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/deevus/portalkit/internal/api"
	"github.com/deevus/portalkit/internal/offline"
	"github.com/spf13/cobra"
)

const callExample = `# Read a resource
portalctl call GET /campaigns

# Create one; queued for later delivery when the backend is unreachable
portalctl call POST /campaigns --data '{"name":"spring"}'`

func newCallCmd() *cobra.Command {
	var (
		data     string
		dataFile string
		headers  []string
	)

	cmd := &cobra.Command{
		Use:     "call METHOD ENDPOINT",
		Short:   "Send a single request through the retry and offline stack",
		Example: callExample,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.Request{
				Method:   strings.ToUpper(args[0]),
				Endpoint: args[1],
			}

			switch {
			case data != "" && dataFile != "":
				return errors.New("--data and --data-file are mutually exclusive")
			case data != "":
				req.Body = []byte(data)
			case dataFile != "":
				body, err := os.ReadFile(dataFile)
				if err != nil {
					return fmt.Errorf("read request body: %w", err)
				}
				req.Body = body
			}

			if len(headers) > 0 {
				req.Header = http.Header{}
				for _, h := range headers {
					key, value, ok := strings.Cut(h, ":")
					if !ok {
						return fmt.Errorf("invalid header %q, expected Key: Value", h)
					}
					req.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
				}
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			resp, err := a.Call(cmd.Context(), req)
			var queued *offline.QueuedError
			if errors.As(err, &queued) {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s as %s\n", queued.Item.Method, queued.Item.Endpoint, queued.Item.ID)
				if a.Config.QueuePath == "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: PORTAL_QUEUE_PATH is not set; the queued request is lost on exit")
				}
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Body) > 0 {
				out.Write(resp.Body)
				if resp.Body[len(resp.Body)-1] != '\n' {
					fmt.Fprintln(out)
				}
			}
			if !resp.OK() {
				return fmt.Errorf("unexpected status %d", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "Request body")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Read the request body from a file")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra header as 'Key: Value' (repeatable)")
	return cmd
}
