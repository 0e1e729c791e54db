package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/taskflow/pkg/observability"
)

// NewRouter builds the chi router mounting the RPC Front-End's
// streamable-HTTP handler at rpcPath and the Prometheus exposition handler at
// metricsPath, both wrapped in metricsMiddleware so every request — RPC or
// scrape — gets a span and a request-duration observation keyed by its chi
// route pattern rather than raw path.
func NewRouter(rpcPath string, rpcHandler http.Handler, metricsPath string, obs *observability.Manager) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metricsPath != "" && obs.MetricsEnabled() {
		r.Handle(metricsPath, obs.MetricsHandler())
	}

	// The mcp-go streamable-HTTP handler matches rpcPath internally (it was
	// constructed WithEndpointPath(rpcPath)) and 404s anything else, so it is
	// mounted without stripping the prefix, the same way mcp_serve.go hands
	// its streamable server the whole mux.
	r.Mount(rpcPath, rpcHandler)

	return r
}
