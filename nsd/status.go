package nsd

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusServer exposes a read-only operational view of the running daemon
// over HTTP, routed with gorilla/mux per SPEC_FULL.md's dependency-wiring
// table. This is deliberately not the excluded nsd-control TLS management
// channel (spec §1): it has no mutating routes, only GET /status and
// GET /zones for dashboards and health checks.
func NewStatusServer(ring *TaskRing) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/status", statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/zones", zonesHandler).Methods(http.MethodGet)
	return &http.Server{Handler: r}
}

type statusResponse struct {
	ZoneCount int    `json:"zone_count"`
	App       string `json:"app"`
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{ZoneCount: Zones.Count(), App: "nsdd"})
}

type zoneSummary struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	IsOK    bool   `json:"is_ok"`
	IsBad   bool   `json:"is_bad"`
	Serial  uint32 `json:"serial"`
}

func zonesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var out []zoneSummary
	for item := range Zones.IterBuffered() {
		z := item.Val
		z.mu.RLock()
		s := zoneSummary{Name: z.ApexName, IsOK: z.IsOK, IsBad: z.IsBad}
		if z.Type == ZoneTypePrimary {
			s.Type = "primary"
		} else {
			s.Type = "secondary"
		}
		z.mu.RUnlock()
		out = append(out, s)
	}
	json.NewEncoder(w).Encode(out)
}
