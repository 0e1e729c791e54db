package toolpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "handshake":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
				"tools": []any{map[string]any{"name": "ping"}},
			}})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
				"content": []any{map[string]any{"type": "text", "text": "pong"}},
			}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestApplyConfigAddsAndConnects(t *testing.T) {
	srv := newFakeServer(t)
	pool := New(nil)

	errsByID := pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})
	assert.Empty(t, errsByID)

	c, ok := pool.Client("srv1")
	require.True(t, ok)
	assert.Equal(t, toolserver.StateConnected, c.State())
}

func TestApplyConfigRemovesDropped(t *testing.T) {
	srv := newFakeServer(t)
	pool := New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})

	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{})
	_, ok := pool.Client("srv1")
	assert.False(t, ok)
}

func TestApplyConfigReconnectsOnChange(t *testing.T) {
	srv1 := newFakeServer(t)
	srv2 := newFakeServer(t)
	pool := New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv1.URL},
	})
	first, _ := pool.Client("srv1")

	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv2.URL},
	})
	second, ok := pool.Client("srv1")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, toolserver.StateConnected, second.State())
}

func TestCallRoutesToNamedServer(t *testing.T) {
	srv := newFakeServer(t)
	pool := New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})

	result := pool.Call(context.Background(), "srv1", "ping", nil, time.Second)
	assert.Equal(t, toolserver.ResultOK, result.Kind)
	assert.Equal(t, "pong", result.Output)
}

func TestCallUnknownServerIsUnreachable(t *testing.T) {
	pool := New(nil)
	result := pool.Call(context.Background(), "ghost", "ping", nil, time.Second)
	assert.Equal(t, toolserver.ResultUnreachable, result.Kind)
}

func TestDisconnectAllSetsDisconnected(t *testing.T) {
	srv := newFakeServer(t)
	pool := New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})
	pool.DisconnectAll(context.Background())
	c, _ := pool.Client("srv1")
	assert.Equal(t, toolserver.StateDisconnected, c.State())
}
