package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/mcpexec/config"
	"github.com/isdmx/mcpexec/harness"
	"github.com/isdmx/mcpexec/logger"
)

// exitError carries a script exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mcpexec",
		Short: "Run scripts against MCP tool servers, optionally in a container sandbox",
		Long: `mcpexec connects scripts to the Model Context Protocol servers listed in
mcp_config.json. Servers are started lazily on first use and every tool is
addressed as server__tool.

Scripts run on the host with a loopback gateway (MCPEXEC_GATEWAY_URL), or with
--sandbox inside a Docker/Podman container with no network, a read-only root
filesystem and strict resource limits. A sandboxed script calls tools through
the mounted client at $MCPEXEC_CLIENT (see "mcpexec call").`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: mcp_config.{json,yaml,yml} in . or ./config)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCommand(opts),
		newToolsCommand(opts),
		newCallCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// load reads the configuration and builds the logger. Without --config the
// path handed down by a parent run ($MCPEXEC_CONFIG) is used before searching.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(harness.ConfigPathEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
