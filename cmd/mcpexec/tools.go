package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/isdmx/mcpexec/mcpclient"
)

func newToolsCommand(root *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of every enabled MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			manager := mcpclient.New(log)
			if err := manager.Initialize(cfg.ServerDefinitions()); err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, manager.Cleanup())
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tools, err := manager.ListAllTools(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(tools)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, tool := range tools {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", tool.Identifier(), tool.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output descriptors as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Time allowed for connecting to all servers")
	return cmd
}
