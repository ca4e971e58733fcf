package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/metrics"
	"github.com/matheus3301/wsync/internal/session"
)

type health struct {
	Active   string `json:"active"`
	Accounts int    `json:"accounts"`
	Resident int    `json:"resident"`
	Dropped  uint64 `json:"dropped_events"`
}

// newHTTPHandler serves the Prometheus registry and a liveness probe. The
// probe reports how many bus events slow subscribers missed.
func newHTTPHandler(m *metrics.Metrics, mgr *session.Manager, b *bus.Bus) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodGet, "/metrics", m.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := health{
			Accounts: len(mgr.Registry().List()),
			Resident: len(mgr.Resident()),
			Dropped:  b.Dropped(),
		}
		if s := mgr.Active(); s != nil {
			h.Active = s.Account()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})
	return router
}
