package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/isdmx/mcpexec/mcpclient"
)

func newCallCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <server__tool> [params-json]",
		Short: "Call one tool and print its result",
		Long: `Call one tool and print its normalized result: text as-is, anything else
as JSON. Params are a JSON object; omit them to call without arguments.

Sandboxed scripts find this client at $MCPEXEC_CLIENT when sandbox.tool_client
is set; it reads the mounted config from $MCPEXEC_CONFIG.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			var params map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}

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

			result, err := manager.CallTool(ctx, args[0], params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if text, ok := result.(string); ok {
				_, err = fmt.Fprintln(out, text)
				return err
			}
			return json.NewEncoder(out).Encode(result)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Time allowed for connecting and calling the tool")
	return cmd
}
