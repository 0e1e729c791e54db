package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	clientName    = "taskflow"
	clientVersion = "1.0.0"
	protocolVer   = "2024-11-05"
)

// stdioTransport launches the tool server as a subprocess and speaks the
// protocol over its stdin/stdout via mcp-go's own stdio client, which
// already implements the newline-delimited JSON framing.
type stdioTransport struct {
	mcpClient *client.Client
}

func newStdioTransport(ctx context.Context, cfg Config) (*stdioTransport, error) {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, convertEnv(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn tool server %q: %w", cfg.ID, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("start tool server %q: %w", cfg.ID, err)
	}
	return &stdioTransport{mcpClient: mcpClient}, nil
}

func (t *stdioTransport) handshake(ctx context.Context) ([]ToolInfo, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVer

	if _, err := t.mcpClient.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	listResp, err := t.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list_tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, mt := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: convertSchema(mt.InputSchema),
		})
	}
	return tools, nil
}

func (t *stdioTransport) callTool(ctx context.Context, name string, params map[string]any, _ time.Duration) (*rawToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params

	resp, err := t.mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseCallResult(resp), nil
}

func (t *stdioTransport) close(_ context.Context) error {
	return t.mcpClient.Close()
}

func parseCallResult(resp *mcp.CallToolResult) *rawToolResult {
	out := &rawToolResult{isError: resp.IsError, structuredOutput: resp.StructuredContent}
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) > 0 {
		out.text = texts[0]
		for _, s := range texts[1:] {
			out.text += "\n" + s
		}
	}
	return out
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// convertSchema round-trips mcp-go's typed schema through JSON to get a
// clean map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
