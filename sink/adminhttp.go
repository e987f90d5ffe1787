package sink

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/postmanlabs/flowbreak/registry"
)

// AdminServer is a tiny introspection endpoint exposing the registry
// snapshot plus whatever counters the caller supplies, grounded on apidump/health_check.go's
// mux.NewRouter/http.ListenAndServe shape. Optional: the agent only starts
// it when an admin address is configured.
type AdminServer struct {
	addr     string
	reg      *registry.Registry
	counters func() map[string]int
}

func NewAdminServer(addr string, reg *registry.Registry, counters func() map[string]int) *AdminServer {
	return &AdminServer{addr: addr, reg: reg, counters: counters}
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"services": a.reg.Snapshot(),
	}
	if a.counters != nil {
		for k, v := range a.counters() {
			stats[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// ListenAndServe blocks serving /healthz and /stats on a.addr. Run it in a
// goroutine; it returns only on error (a bind failure returns at once).
// There is no handle for shutting the server down.
func (a *AdminServer) ListenAndServe() error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealthz).Methods("GET")
	router.HandleFunc("/stats", a.handleStats).Methods("GET")
	return http.ListenAndServe(a.addr, router)
}
