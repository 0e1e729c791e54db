package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, toolNames ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("mcp-session-id", "sess-1")
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "handshake":
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
		case "tools/list":
			tools := make([]any, 0, len(toolNames))
			for _, n := range toolNames {
				tools = append(tools, map[string]any{"name": n, "description": "desc-" + n})
			}
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": tools}})
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			name, _ := params["name"].(string)
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "ran " + name}},
			}})
		default:
			json.NewEncoder(w).Encode(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonRPCError{Code: -32601, Message: "method not found"}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientConnectListAndCall(t *testing.T) {
	srv := newTestServer(t, "echo")
	c := New(Config{ID: "srv1", Transport: TransportHTTP, URL: srv.URL})

	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	tools := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result := c.CallTool(context.Background(), "echo", map[string]any{"x": 1}, time.Second)
	assert.Equal(t, ResultOK, result.Kind)
	assert.Equal(t, "ran echo", result.Output)
}

func TestClientCallUnknownToolIsUnreachable(t *testing.T) {
	srv := newTestServer(t, "echo")
	c := New(Config{ID: "srv1", Transport: TransportHTTP, URL: srv.URL})
	require.NoError(t, c.Connect(context.Background()))

	result := c.CallTool(context.Background(), "missing", nil, time.Second)
	assert.Equal(t, ResultUnreachable, result.Kind)
}

func TestClientCallBeforeConnectIsUnreachable(t *testing.T) {
	c := New(Config{ID: "srv1", Transport: TransportHTTP, URL: "http://127.0.0.1:0"})
	result := c.CallTool(context.Background(), "echo", nil, time.Second)
	assert.Equal(t, ResultUnreachable, result.Kind)
}

func TestConnectFailureEntersErrorState(t *testing.T) {
	c := New(Config{ID: "srv1", Transport: TransportHTTP, URL: "http://127.0.0.1:1"})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t, "echo")
	c := New(Config{ID: "srv1", Transport: TransportHTTP, URL: srv.URL})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestConfigEqual(t *testing.T) {
	a := Config{Command: "foo", Args: []string{"a", "b"}, Env: map[string]string{"X": "1"}}
	b := Config{Command: "foo", Args: []string{"a", "b"}, Env: map[string]string{"X": "1"}}
	c := Config{Command: "foo", Args: []string{"a", "c"}, Env: map[string]string{"X": "1"}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
