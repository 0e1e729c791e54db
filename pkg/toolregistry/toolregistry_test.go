package toolregistry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/taskflow/pkg/toolpool"
	"github.com/kadirpekel/taskflow/pkg/toolserver"
)

func newToolServer(t *testing.T, tools ...string) *httptest.Server {
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
			list := make([]any, 0, len(tools))
			for _, n := range tools {
				list = append(list, map[string]any{"name": n})
			}
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"tools": list}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitializeRegistersSystemAndExternalTools(t *testing.T) {
	srv := newToolServer(t, "fetch")
	pool := toolpool.New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})

	reg := New(pool, []SystemTool{{Name: "run_code", Description: "executes code"}}, nil)
	reg.Initialize(context.Background())

	fetch, ok := reg.Get("fetch")
	require.True(t, ok)
	assert.Equal(t, Available, fetch.Availability)
	assert.Equal(t, KindExternal, fetch.Kind)

	runCode, ok := reg.Get("run_code")
	require.True(t, ok)
	assert.Equal(t, KindSystem, runCode.Kind)
}

func TestRefreshMarksDroppedToolsUnavailable(t *testing.T) {
	srv := newToolServer(t, "fetch")
	pool := toolpool.New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})
	reg := New(pool, nil, nil)
	reg.Initialize(context.Background())

	pool.DisconnectAll(context.Background())
	reg.Refresh(context.Background())

	d, ok := reg.Get("fetch")
	require.True(t, ok, "descriptor must remain after becoming unavailable")
	assert.Equal(t, Unavailable, d.Availability)

	assert.Empty(t, reg.ListAvailable())
}

func TestRouteReturnsMinimalInfo(t *testing.T) {
	srv := newToolServer(t, "fetch")
	pool := toolpool.New(nil)
	pool.ApplyConfig(context.Background(), map[string]toolserver.Config{
		"srv1": {Transport: toolserver.TransportHTTP, URL: srv.URL},
	})
	reg := New(pool, nil, nil)
	reg.Initialize(context.Background())

	route, ok := reg.Route("fetch")
	require.True(t, ok)
	assert.Equal(t, "srv1", route.ServerID)
	assert.Equal(t, KindExternal, route.Kind)

	_, ok = reg.Route("nonexistent")
	assert.False(t, ok)
}

func TestListAvailableExcludesUnavailable(t *testing.T) {
	reg := New(toolpool.New(nil), []SystemTool{{Name: "sys1"}}, nil)
	reg.Initialize(context.Background())
	assert.Len(t, reg.ListAvailable(), 1)
}
