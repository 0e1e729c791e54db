package main

import (
	"context"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/taskflow/pkg/errs"
	"github.com/kadirpekel/taskflow/pkg/mode"
	"github.com/kadirpekel/taskflow/pkg/rpcfrontend"
	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolregistry"
	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

// bootstrap holds the components the built-in configuration tools act on.
// front is nil until after rpcfrontend.New returns; the handlers below only
// dereference it once a call actually arrives, by which point serve.go has
// set it.
type bootstrap struct {
	pool     *toolpool.Pool
	registry *toolregistry.Registry
	mode     *mode.Manager
	log      *slog.Logger
	front    *rpcfrontend.FrontEnd
}

// toolServerSpec is one entry of tool_servers.apply_config's `servers` array.
type toolServerSpec struct {
	ID        string            `mapstructure:"id"`
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
}

// buildConfigTools returns the minimal set of Configuration-mode tools
// needed to drive the Tool-Server Pool's apply_config and the Mode
// Manager's Configuration→Running transition over the RPC surface itself;
// full deployment-config-file parsing remains the out-of-scope
// configuration-tool collaborator these merely stand in for.
func buildConfigTools(boot *bootstrap) []rpcfrontend.ConfigTool {
	return []rpcfrontend.ConfigTool{
		applyConfigTool(boot),
		statusTool(boot),
		activateTool(boot),
	}
}

func applyConfigTool(boot *bootstrap) rpcfrontend.ConfigTool {
	return rpcfrontend.ConfigTool{
		Name:        "tool_servers.apply_config",
		Description: "Diffs the given tool server list against the pool's current set: disconnects removed servers, connects new ones, reconnects changed ones.",
		Mode:        mode.Configuration,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"servers": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":        map[string]any{"type": "string"},
							"transport": map[string]any{"type": "string", "enum": []any{"stdio", "http"}},
							"command":   map[string]any{"type": "string"},
							"args":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"env":       map[string]any{"type": "object"},
							"url":       map[string]any{"type": "string"},
						},
						"required": []any{"id", "transport"},
					},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var specs []toolServerSpec
			if err := mapstructure.Decode(args["servers"], &specs); err != nil {
				return nil, errs.Wrap(errs.CodeConfigInvalid, "servers must decode into tool server specs", err)
			}
			cfgs := make(map[string]toolserver.Config, len(specs))
			for _, spec := range specs {
				if spec.ID == "" {
					return nil, errs.New(errs.CodeConfigInvalid, "every tool server spec requires an id")
				}
				transport := toolserver.TransportStdio
				if spec.Transport == string(toolserver.TransportHTTP) {
					transport = toolserver.TransportHTTP
				}
				cfgs[spec.ID] = toolserver.Config{
					ID:        spec.ID,
					Transport: transport,
					Command:   spec.Command,
					Args:      spec.Args,
					Env:       spec.Env,
					URL:       spec.URL,
				}
			}

			perServerErr := boot.pool.ApplyConfig(ctx, cfgs)
			boot.registry.Refresh(ctx)
			if boot.front != nil {
				boot.front.RefreshTools()
			}

			failed := make(map[string]string, len(perServerErr))
			for id, err := range perServerErr {
				if err != nil {
					failed[id] = err.Error()
				}
			}
			boot.log.Info("tool_servers.apply_config applied", "servers", len(cfgs), "failed", len(failed))
			return map[string]any{"applied": len(cfgs), "errors": failed}, nil
		},
	}
}

func statusTool(boot *bootstrap) rpcfrontend.ConfigTool {
	return rpcfrontend.ConfigTool{
		Name:        "tool_servers.status",
		Description: "Reports each configured tool server's connection state and the tool catalog's current contents.",
		Mode:        mode.Configuration,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(context.Context, map[string]any) (any, error) {
			statuses := boot.pool.Statuses()
			servers := make([]map[string]any, 0, len(statuses))
			for _, s := range statuses {
				entry := map[string]any{"id": s.ID, "state": string(s.State)}
				if s.Error != "" {
					entry["error"] = s.Error
				}
				servers = append(servers, entry)
			}
			tools := make([]string, 0)
			for _, d := range boot.registry.List() {
				tools = append(tools, d.Name)
			}
			return map[string]any{"servers": servers, "tools": tools}, nil
		},
	}
}

func activateTool(boot *bootstrap) rpcfrontend.ConfigTool {
	return rpcfrontend.ConfigTool{
		Name:        "mode.activate",
		Description: "Transitions the server from Configuration to Running, advertising real tools and workflows in place of the configuration tools.",
		Mode:        mode.Configuration,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(context.Context, map[string]any) (any, error) {
			boot.mode.Transition(mode.Running)
			return map[string]any{"mode": string(mode.Running)}, nil
		},
	}
}
