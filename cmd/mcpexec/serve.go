package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/mcpexec/config"
	"github.com/isdmx/mcpexec/logger"
	"github.com/isdmx/mcpexec/mcpclient"
	"github.com/isdmx/mcpexec/mcpserver"
	"github.com/isdmx/mcpexec/sandbox"
)

const stopTimeout = 15 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway MCP server over stdio or HTTP",
		Long: `Serve every configured MCP server's tools through one gateway.

server.transport selects stdio or streamable HTTP (on server.http_port, path
/mcp). When sandbox.enabled is set the execute_script tool is also exposed.
Prometheus metrics are served on metrics.address when metrics.enabled is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if root.verbose {
				cfg.Logging.Level = "debug"
			}

			app := fx.New(
				serveOptions(cfg),
				fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: log}
				}),
			)
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}

			select {
			case <-app.Done():
			case <-cmd.Context().Done():
			}

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), stopTimeout)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

// serveOptions wires config → logger → manager → sandbox → gateway.
func serveOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newManager,
			newGateway,
		),
		fx.Invoke(
			startGateway,
			startMetrics,
		),
	)
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		_ = log.Sync()
	}))
	return log, nil
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*mcpclient.Manager, error) {
	manager := mcpclient.New(log)
	if err := manager.Initialize(cfg.ServerDefinitions()); err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(manager.Cleanup))
	return manager, nil
}

func newGateway(cfg *config.Config, log *zap.Logger, manager *mcpclient.Manager) (*mcpserver.MCPServer, error) {
	var opts []mcpserver.Option
	if cfg.Sandbox.Enabled {
		sb, err := sandbox.New(log, cfg.SandboxOptions()...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mcpserver.WithScriptExecutor(sb))
	}
	return mcpserver.New(cfg, log, manager, opts...)
}

func startGateway(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, gateway *mcpserver.MCPServer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				switch cfg.Server.Transport {
				case "http":
					err = gateway.ServeHTTP()
				default:
					err = gateway.ServeStdio()
				}
				if err != nil {
					log.Error("gateway stopped", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: gateway.Shutdown,
	})
}

func startMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("address", listener.Addr().String()))
			go func() {
				if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
