package health

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves health over HTTP:
//
//	GET /      fresh snapshot as JSON, 503 when critical
//	GET /live  liveness probe, always 200
func Handler(m *Monitor) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		snap := m.Poll(req.Context())
		code := http.StatusOK
		if snap.Status == StatusCritical {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(snap)
	})
	r.Get("/live", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	return r
}
