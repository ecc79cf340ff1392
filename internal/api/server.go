// Package api is the local HTTP surface: health, Prometheus metrics, and a
// small fleet-firewall endpoint for scripting what the Telegram channel
// exposes interactively.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alisamani1378/m1m-guardian/internal/firewall"
)

// Fleet is the slice of the orchestrator the HTTP surface drives.
type Fleet interface {
	FleetFirewallStatus(ctx context.Context) map[string]firewall.Status
	ForceEnsureFleet(ctx context.Context) map[string]error
	UnbanFleet(ctx context.Context, addr netip.Addr) error
}

// Pinger reports state-store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	fleet Fleet
	store Pinger
	srv   *http.Server
}

func NewServer(addr string, fleet Fleet, store Pinger) *Server {
	s := &Server{fleet: fleet, store: store}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/v1/fleet/firewall", s.handleFirewallStatus).Methods("GET")
	r.HandleFunc("/v1/fleet/firewall/ensure", s.handleForceEnsure).Methods("POST")
	r.HandleFunc("/v1/fleet/unban", s.handleUnban).Methods("POST")

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http surface listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(shutdownCtx)
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, storeStatus, code := "healthy", "connected", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status, storeStatus, code = "degraded", "error", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"store":  storeStatus,
	})
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.FleetFirewallStatus(r.Context()))
}

func (s *Server) handleForceEnsure(w http.ResponseWriter, r *http.Request) {
	results := s.fleet.ForceEnsureFleet(r.Context())
	out := make(map[string]string, len(results))
	code := http.StatusOK
	for node, err := range results {
		if err != nil {
			out[node] = err.Error()
			code = http.StatusBadGateway
		} else {
			out[node] = "ok"
		}
	}
	writeJSON(w, code, out)
}

type unbanRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	var req unbanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	addr, err := netip.ParseAddr(req.Address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address"})
		return
	}
	if err := s.fleet.UnbanFleet(r.Context(), addr); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "address": addr.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
