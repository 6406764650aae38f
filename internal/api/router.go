package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// healthCheckTimeout bounds each component probe in GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.handleListNodes)
				r.Get("/{address}", s.handleGetNode)
			})

			r.Get("/stats", s.handleStats)
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
	Nodes      mesh.NodeCounts   `json:"nodes"`
}

// handleHealth runs every registered check. Any failure reports
// "degraded" with 503 so load balancers and scripts can key off the code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Version:    s.version,
		Components: make(map[string]string, len(s.checks)),
		Nodes: mesh.NodeCounts{
			Known: s.registry.Count(),
			Ready: s.registry.ReadyCount(),
		},
	}

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleListNodes returns every registered node in insertion order.
func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.registry.List()
	out := make([]mesh.NodeStatusMessage, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, mesh.NewNodeStatusMessage(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": out,
		"count": len(out),
	})
}

// handleGetNode looks a node up by unicast address ("0x0010" or "16").
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	address, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		writeBadRequest(w, "address must be a 16-bit number such as 0x0010")
		return
	}

	n, err := s.registry.GetByAddress(uint16(address))
	if errors.Is(err, node.ErrNotFound) {
		writeNotFound(w, "node not found")
		return
	}
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, mesh.NewNodeStatusMessage(n))
}

// handleStats returns gateway counters, or an empty object when none are wired.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

// checkNames returns the registered component names, sorted.
func (s *Server) checkNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
