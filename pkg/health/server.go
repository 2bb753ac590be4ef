// Copyright (C) 2025 trailmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/trailmesh/bundle/internal/logger"
)

// Server is the health check HTTP server: /health, /health/live, and
// /health/ready, mounted at cfg.Health.Addr when enabled.
// Prometheus metrics are served separately by the metrics package, so this
// server carries no /metrics route of its own.
type Server struct {
	checker *Checker
	log     logger.Logger
	addr    string
	path    string
	server  *http.Server
}

// NewServer creates a new health check server.
func NewServer(checker *Checker, log logger.Logger, addr, path string) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if path == "" {
		path = "/health"
	}
	return &Server{checker: checker, log: log, addr: addr, path: path}
}

// Start starts the health check server in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleHealth)
	mux.HandleFunc(s.path+"/live", s.handleLiveness)
	mux.HandleFunc(s.path+"/ready", s.handleReadiness)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("starting health check server", logger.String("addr", s.addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health check server error", logger.Error(err))
		}
	}()

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckAll(r.Context())

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckAll(r.Context())
	ready := status.StoreStatus != nil && status.StoreStatus.Reachable

	response := map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store": map[string]interface{}{
			"reachable": ready,
			"status":    status.StoreStatus.Status,
		},
	}

	if !ready {
		response["errors"] = status.Errors
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
