package main

import (
	"github.com/spf13/cobra"

	"github.com/isdmx/mcpexec/harness"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var opts harness.RunOptions

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script with access to the configured MCP servers",
		Long: `Run a script and exit with its exit code.

Without --sandbox the script runs on the host using sandbox.entrypoint and
reaches tools through the gateway at $MCPEXEC_GATEWAY_URL. With --sandbox (or
sandbox.enabled) it runs in an isolated container; a timeout exits 124.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			runner := harness.New(cfg, log, harness.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()))
			if code := runner.Run(cmd.Context(), args[0], opts); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Sandbox, "sandbox", false, "Run the script in the container sandbox")
	cmd.Flags().IntVar(&opts.TimeoutSeconds, "timeout", 0, "Timeout in seconds (default: sandbox.timeout_sec in sandbox mode, none on the host)")
	return cmd
}
