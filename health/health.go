package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lizmail/internal/metrics"
)

// probeTimeout bounds every check run by /healthz.
const probeTimeout = 2 * time.Second

// Check is one named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Status is the /healthz response body.
type Status struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler runs every check and answers 200 when all pass, 503 otherwise.
func Handler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		st := Status{Status: "ok"}
		code := http.StatusOK
		for _, c := range checks {
			if st.Checks == nil {
				st.Checks = make(map[string]string, len(checks))
			}
			if err := c.Probe(ctx); err != nil {
				st.Checks[c.Name] = err.Error()
				st.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			st.Checks[c.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Mount registers /healthz and /metrics on r.
func Mount(r chi.Router, checks ...Check) {
	r.Get("/healthz", Handler(checks...))
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())
}

// StartHealthServer serves /healthz and /metrics on addr in the background.
func StartHealthServer(addr string, checks ...Check) (*http.Server, net.Listener, error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	Mount(r, checks...)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return srv, ln, nil
}
