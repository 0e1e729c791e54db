// Package toolserver implements the Tool-Server Client (C1): a single
// connection to one external tool server, speaking a request/response
// JSON-RPC-style protocol over either a child-process pipe or HTTP+SSE.
package toolserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/taskflow/pkg/errs"
)

// Transport names the two wire transports a tool server can be reached
// over.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config describes how to reach and identify one tool server.
type Config struct {
	ID        string
	Transport Transport

	// Child-process transport.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP transport.
	URL string

	ConnectTimeout time.Duration
	SSETimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SSETimeout <= 0 {
		c.SSETimeout = 30 * time.Second
	}
	return c
}

// Equal reports whether two configs launch the same server byte-for-byte,
// the definition the Pool uses to decide whether a server "changed" on
// apply_config.
func (c Config) Equal(other Config) bool {
	if c.Transport != other.Transport || c.Command != other.Command || c.URL != other.URL {
		return false
	}
	if len(c.Args) != len(other.Args) {
		return false
	}
	for i := range c.Args {
		if c.Args[i] != other.Args[i] {
			return false
		}
	}
	if len(c.Env) != len(other.Env) {
		return false
	}
	for k, v := range c.Env {
		if other.Env[k] != v {
			return false
		}
	}
	return true
}

// State is the Tool-Server Client's connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ToolInfo is one tool advertised by a connected server's list_tools reply.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// transport is the minimal surface both wire transports implement; the
// Client drives the state machine and caches the tool set, transports only
// know how to move bytes.
type transport interface {
	handshake(ctx context.Context) ([]ToolInfo, error)
	callTool(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*rawToolResult, error)
	close(ctx context.Context) error
}

// Client is one Tool-Server Client: owns a transport, the cached tool set,
// and the connection state machine (disconnected/connecting/connected/error).
type Client struct {
	cfg Config

	mu        sync.RWMutex
	state     State
	transport transport
	tools     []ToolInfo
	lastErr   error
}

// New constructs a Client in the disconnected state. No I/O happens until
// Connect is called.
func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), state: StateDisconnected}
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) Config() Config { return c.cfg }

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect brings up the transport, performs the handshake, and caches the
// resulting tool list. Any failure leaves the client in StateError and is
// reported uniformly as CodeToolUnavailable: any non-success handshake is
// a fatal error for the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var t transport
	var err error
	switch c.cfg.Transport {
	case TransportHTTP:
		t, err = newHTTPTransport(c.cfg)
	default:
		t, err = newStdioTransport(ctx, c.cfg)
	}
	if err != nil {
		return c.fail(err)
	}

	tools, err := t.handshake(ctx)
	if err != nil {
		_ = t.close(context.Background())
		return c.fail(err)
	}

	c.mu.Lock()
	c.transport = t
	c.tools = tools
	c.state = StateConnected
	c.lastErr = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) fail(err error) error {
	wrapped := errs.Wrap(errs.CodeToolUnavailable, fmt.Sprintf("tool server %q unavailable", c.cfg.ID), err)
	c.mu.Lock()
	c.state = StateError
	c.lastErr = wrapped
	c.mu.Unlock()
	return wrapped
}

// Disconnect tears the transport down and returns the client to
// StateDisconnected. It is idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.tools = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.close(ctx)
}

// Refresh re-runs the connect handshake (initialize, then list_tools)
// against an already-connected server and replaces the cached tool set; a
// failed handshake closes the transport and fails the client.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	t := c.transport
	state := c.state
	c.mu.RUnlock()
	if state != StateConnected || t == nil {
		return errs.New(errs.CodeToolUnavailable, fmt.Sprintf("tool server %q not connected", c.cfg.ID))
	}

	tools, err := t.handshake(ctx)
	if err != nil {
		_ = t.close(context.Background())
		return c.fail(err)
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// Tools returns the last-known tool set. A client that has failed keeps its
// last tool set; Disconnect clears it.
func (c *Client) Tools() []ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// ResultKind enumerates the five outcomes of call_tool.
type ResultKind string

const (
	ResultOK            ResultKind = "ok"
	ResultProtocolError ResultKind = "protocol_error"
	ResultToolError     ResultKind = "tool_error"
	ResultTimeout       ResultKind = "timeout"
	ResultUnreachable   ResultKind = "unreachable"
)

// CallResult is the sum type returned by CallTool.
type CallResult struct {
	Kind             ResultKind
	Output           any
	StructuredOutput any
	Raw              string
	Message          string
}

type rawToolResult struct {
	isError          bool
	text             string
	structuredOutput any
}

// CallTool invokes name on the connected server. It never returns a Go
// error: every outcome, tool-level failures included, is carried in the
// returned CallResult's Kind sum type, so call sites match on Kind.
func (c *Client) CallTool(ctx context.Context, name string, params map[string]any, timeout time.Duration) CallResult {
	c.mu.RLock()
	t := c.transport
	state := c.state
	tools := c.tools
	c.mu.RUnlock()

	if state != StateConnected || t == nil {
		return CallResult{Kind: ResultUnreachable, Message: fmt.Sprintf("tool server %q is not connected", c.cfg.ID)}
	}
	known := false
	for _, ti := range tools {
		if ti.Name == name {
			known = true
			break
		}
	}
	if !known {
		return CallResult{Kind: ResultUnreachable, Message: fmt.Sprintf("tool %q is not in the last-known tool set", name)}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := t.callTool(callCtx, name, params, timeout)
	if err != nil {
		if callCtx.Err() != nil {
			return CallResult{Kind: ResultTimeout, Message: fmt.Sprintf("tool %q did not respond within %s", name, timeout)}
		}
		return CallResult{Kind: ResultProtocolError, Message: err.Error()}
	}
	if raw.isError {
		return CallResult{Kind: ResultToolError, Message: raw.text, Raw: raw.text}
	}
	return CallResult{Kind: ResultOK, Output: raw.text, StructuredOutput: raw.structuredOutput, Raw: raw.text}
}
