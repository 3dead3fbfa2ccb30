// Package ctlapi exposes an optional local HTTP surface for observing a
// running discovery instance: health, Prometheus metrics, and the
// current peer snapshot. Grounded on this repo's chi-based API server.
package ctlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshdisco/swarmdns/internal/domain"
)

// StatusProvider is the subset of dispatcher.Dispatcher this surface
// needs, kept as an interface so the HTTP layer can be tested without
// a real socket.
type StatusProvider interface {
	Mode() domain.Mode
	Size() int
	Snapshot() map[string]domain.PeerEntry
}

// Server is the control-plane HTTP server.
type Server struct {
	provider       StatusProvider
	metricsEnabled bool
}

// NewServer creates a control API server over the given status provider.
func NewServer(provider StatusProvider) *Server {
	return &Server{provider: provider}
}

// EnableMetrics mounts the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode": s.provider.Mode().String(),
			"size": s.provider.Size(),
		})
	})

	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		snap := s.provider.Snapshot()
		out := make([]peerView, 0, len(snap))
		for id, entry := range snap {
			addrs := make([]string, 0, len(entry.Addrs))
			for _, a := range entry.Addrs {
				addrs = append(addrs, a.String())
			}
			out = append(out, peerView{
				PeerID:             id,
				Addrs:              addrs,
				LastSeen:           entry.LastSeen,
				RespondedLastCycle: entry.RespondedLastCycle,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

type peerView struct {
	PeerID             string    `json:"peer_id"`
	Addrs              []string  `json:"addrs"`
	LastSeen           time.Time `json:"last_seen"`
	RespondedLastCycle bool      `json:"responded_last_cycle"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
