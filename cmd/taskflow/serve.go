package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/taskflow/pkg/dispatch"
	"github.com/kadirpekel/taskflow/pkg/engine"
	"github.com/kadirpekel/taskflow/pkg/logger"
	"github.com/kadirpekel/taskflow/pkg/mode"
	"github.com/kadirpekel/taskflow/pkg/observability"
	"github.com/kadirpekel/taskflow/pkg/rpcfrontend"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/transport"
	"github.com/kadirpekel/taskflow/pkg/workflowregistry"
)

// serviceVersion is the fixed version string the RPC front-end reports to
// its clients; it does not depend on the build information VersionCmd
// prints.
const serviceVersion = "dev"

// ServeCmd starts the RPC front-end: a Tool-Server Pool (initially empty,
// populated at runtime via the tool_servers.apply_config configuration
// tool), a Workflow Registry loaded from WorkflowsDir, the Workflow Engine,
// and both the stdio and HTTP+SSE transports spec.md §4.11 names.
type ServeCmd struct {
	WorkflowsDir string `name:"workflows-dir" help:"Directory of workflow YAML documents, loaded at startup." type:"path" required:""`

	HTTPAddr    string `name:"http-addr" help:"HTTP+SSE listen address. Empty disables the HTTP transport." default:":8080"`
	RPCPath     string `name:"rpc-path" help:"HTTP path the RPC front-end is mounted at." default:"/rpc"`
	Stdio       bool   `help:"Serve the framed stdio transport on top of (or instead of) HTTP."`
	ServiceName string `name:"service-name" default:"taskflow"`

	Metrics         bool   `help:"Enable Prometheus metrics."`
	MetricsPath     string `name:"metrics-path" default:"/metrics"`
	Tracing         bool   `help:"Enable OpenTelemetry tracing."`
	TracingEndpoint string `name:"tracing-endpoint" default:"localhost:4317"`

	DrainTimeout time.Duration `name:"drain-timeout" help:"Bound on waiting for in-flight workflow executions before a shutdown forces the pool closed." default:"30s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	obs, err := observability.NewManager(ctx, &observability.Config{
		Tracing: observability.TracingConfig{
			Enabled:     c.Tracing,
			Endpoint:    c.TracingEndpoint,
			ServiceName: c.ServiceName,
		},
		Metrics: observability.MetricsConfig{
			Enabled:  c.Metrics,
			Endpoint: c.MetricsPath,
		},
	})
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Error("observability shutdown failed", "error", err)
		}
	}()

	pool := toolpool.New(nil)
	registry := toolregistry.New(pool, []toolregistry.SystemTool{dispatch.CodeSystemTool()}, nil)
	registry.Initialize(ctx)

	disp := dispatch.New(registry, pool, nil)

	workflows := workflowregistry.New(c.WorkflowsDir, func(name string) bool {
		_, ok := registry.Get(name)
		return ok
	}, nil)
	for _, loadErr := range workflows.Initialize() {
		slog.Warn("workflow document failed to load", "error", loadErr)
	}

	modeManager := mode.New()
	eng := engine.New(workflows, disp, nil, engine.WithModeManager(modeManager))

	boot := &bootstrap{pool: pool, registry: registry, mode: modeManager, log: logger.Default()}
	front := rpcfrontend.New(c.ServiceName, serviceVersion, modeManager, registry, workflows, disp, eng, buildConfigTools(boot), nil)
	boot.front = front

	var httpServer *http.Server
	if c.HTTPAddr != "" {
		router := transport.NewRouter(c.RPCPath, front.HTTPHandler(c.RPCPath), c.MetricsPath, obs)
		httpServer = &http.Server{Addr: c.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("rpc front-end listening", "transport", "http", "addr", c.HTTPAddr, "path", c.RPCPath)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http transport failed", "error", err)
				cancel()
			}
		}()
	}
	if c.Stdio {
		go func() {
			slog.Info("rpc front-end listening", "transport", "stdio")
			if err := front.ServeStdio(ctx); err != nil && ctx.Err() == nil {
				slog.Error("stdio transport failed", "error", err)
				cancel()
			}
		}()
	}
	if httpServer == nil && !c.Stdio {
		return fmt.Errorf("serve requires at least one transport: set --http-addr or --stdio")
	}

	fmt.Printf("\ntaskflow ready (mode=%s)\n", modeManager.State())
	if httpServer != nil {
		fmt.Printf("  rpc:     http://%s%s\n", c.HTTPAddr, c.RPCPath)
		if c.Metrics {
			fmt.Printf("  metrics: http://%s%s\n", c.HTTPAddr, c.MetricsPath)
		}
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	return c.shutdown(httpServer, modeManager, pool)
}

// shutdown implements the ordering spec.md §6 requires: stop accepting new
// RPC calls, wait (bounded) for the Mode Manager's running-workflow counter
// to drain, then disconnect every tool server.
func (c *ServeCmd) shutdown(httpServer *http.Server, m *mode.Manager, pool *toolpool.Pool) error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.DrainTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown failed", "error", err)
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
drainLoop:
	for m.RunningCount() > 0 {
		select {
		case <-shutdownCtx.Done():
			slog.Warn("drain timeout exceeded with executions still running", "running", m.RunningCount())
			break drainLoop
		case <-ticker.C:
		}
	}

	pool.DisconnectAll(context.Background())
	slog.Info("shutdown complete")
	return nil
}
