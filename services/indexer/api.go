package indexer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the HTTP surface exposed to the read API layer: status,
// health, consistency check, repair, and the Prometheus scrape endpoint.
func NewRouter(svc *Service) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", svc.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", svc.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/consistency", svc.handleConsistency).Methods(http.MethodGet)
	r.HandleFunc("/repair", svc.handleRepair).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.Health()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Service) handleConsistency(w http.ResponseWriter, r *http.Request) {
	from := queryUint32(r, "from", 1)
	to := queryUint32(r, "to", 0)

	bad, err := s.ConsistencyCheck(r.Context(), from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if bad == nil {
		bad = []uint32{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"heights": bad,
	})
}

func (s *Service) handleRepair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Heights []uint32 `json:"heights"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if len(body.Heights) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "heights required"})
		return
	}

	s.Repair(body.Heights)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"enqueued": len(body.Heights),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func queryUint32(r *http.Request, key string, fallback uint32) uint32 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(v)
}
