// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package statusserver exposes the health and state of the bridge over HTTP
// and gRPC.
//
// The HTTP handler serves:
//
//     GET /healthz   200 while serving, 503 otherwise
//     GET /metrics   Prometheus metrics
//     GET /gateways  connected gateways as JSON (requires an access key if any are configured)
package statusserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is used for the gRPC health status of the bridge
const ServiceName = "pktfwd-bridge"

// GatewaysFunc returns the connected gateways in a JSON-marshalable form
type GatewaysFunc func() interface{}

// Server for the status of the bridge
type Server struct {
	ctx    log.Interface
	health *health.Server

	mu         sync.RWMutex
	serving    bool
	accessKeys []string
	gateways   GatewaysFunc
}

// New returns a new status server that is not serving yet
func New(ctx log.Interface) *Server {
	s := &Server{
		ctx:    ctx.WithField("Component", "StatusServer"),
		health: health.NewServer(),
	}
	s.SetServing(false)
	return s
}

// AddAccessKey adds an access key for a client
func (s *Server) AddAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

// SetGateways sets the function that lists the connected gateways
func (s *Server) SetGateways(gateways GatewaysFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways = gateways
}

// SetServing sets the health status of the bridge
func (s *Server) SetServing(serving bool) {
	s.mu.Lock()
	s.serving = serving
	s.mu.Unlock()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.ctx.WithField("Serving", serving).Debug("Updated health status")
}

// Register the gRPC health service
func (s *Server) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	key := r.URL.Query().Get("key")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Key ") {
		key = strings.TrimPrefix(auth, "Key ")
	}
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	serving := s.serving
	s.mu.RUnlock()
	if !serving {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) handleGateways(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	s.mu.RLock()
	gateways := s.gateways
	s.mu.RUnlock()
	var res interface{} = []string{}
	if gateways != nil {
		res = gateways()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.ctx.WithError(err).Warn("Could not write gateways")
	}
}

// Handler returns the HTTP handler of the status server
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/gateways", s.handleGateways)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
