// Package controlapi is relayd's thin management HTTP API: instance
// CRUD plus start/stop/restart over the engine's per-endpoint runners,
// exactly the scope spec §1 carves out ("a thin control surface over
// 'start/stop an endpoint'"). Grounded on app/commander's service-registry
// shape for the instance map, scaled from gRPC down to stdlib net/http +
// encoding/json since this module carries no protobuf schema (see
// DESIGN.md's standard-library justification).
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/l4mesh/relayd/config"
	"github.com/l4mesh/relayd/engine"
)

// Instance is one managed endpoint: its configuration, its runner, and the
// identifier the API addresses it by.
type Instance struct {
	ID     string              `json:"id"`
	Config config.EndpointConfig `json:"config"`

	runner *engine.Runner
}

// StatusView reports the instance's current lifecycle state for API responses.
type StatusView struct {
	ID     string `json:"id"`
	Listen string `json:"listen"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Server is the control surface: an in-memory instance registry plus the
// HTTP handler that serves it, matching spec §4.8's list/create/get/update/
// delete/start/stop/restart contract.
type Server struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	global    *config.NetworkConfig

	// SharedSecret, if non-empty, is required as a "X-Relayd-Secret" header
	// on every request, per spec §4.8's "optional shared-secret header
	// authentication".
	SharedSecret string
}

// NewServer builds an empty Server. global supplies the network defaults
// new instances are built against (spec §6's config-layering rule).
func NewServer(global *config.NetworkConfig) *Server {
	return &Server{instances: make(map[string]*Instance), global: global}
}

// ServeHTTP dispatches to the CRUD/lifecycle routes described in spec §4.8.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/instances")
	path = strings.Trim(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			s.handleList(w, r)
		case http.MethodPost:
			s.handleCreate(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGet(w, r, id)
	case action == "" && r.Method == http.MethodPut:
		s.handleUpdate(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleDelete(w, r, id)
	case action == "start" && r.Method == http.MethodPost:
		s.handleStart(w, r, id)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleStop(w, r, id)
	case action == "restart" && r.Method == http.MethodPost:
		s.handleRestart(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.SharedSecret == "" {
		return true
	}
	return r.Header.Get("X-Relayd-Secret") == s.SharedSecret
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]StatusView, 0, len(s.instances))
	for _, inst := range s.instances {
		views = append(views, s.viewLocked(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreate decodes a config.EndpointConfig body, builds and starts a
// runner for it, and returns its assigned Instance, matching spec §4.8's
// "create → Running|Failed" transition.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var ec config.EndpointConfig
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ep, err := config.Build(ec, s.global)
	if err != nil {
		http.Error(w, "bad endpoint config: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	runner := engine.New(ep)
	inst := &Instance{ID: id, Config: ec, runner: runner}

	s.mu.Lock()
	s.instances[id] = inst
	s.mu.Unlock()

	startErr := runner.Start(context.Background())
	view := s.view(inst)
	status := http.StatusCreated
	if startErr != nil {
		status = http.StatusOK // instance was created; its status reflects the failure
	}
	writeJSON(w, status, view)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.view(inst))
}

// handleUpdate stops then starts the instance atomically with the new
// config, per spec §4.8's "update/restart: stop then start atomically".
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var ec config.EndpointConfig
	if err := json.NewDecoder(r.Body).Decode(&ec); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ep, err := config.Build(ec, s.global)
	if err != nil {
		http.Error(w, "bad endpoint config: "+err.Error(), http.StatusBadRequest)
		return
	}

	inst.runner.Stop()
	newRunner := engine.New(ep)

	s.mu.Lock()
	inst.Config = ec
	inst.runner = newRunner
	s.mu.Unlock()

	_ = newRunner.Start(r.Context())
	writeJSON(w, http.StatusOK, s.view(inst))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.runner.Stop()

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = inst.runner.Start(r.Context())
	writeJSON(w, http.StatusOK, s.view(inst))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	inst.runner.Stop()
	writeJSON(w, http.StatusOK, s.view(inst))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request, id string) {
	inst, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = inst.runner.Restart(r.Context())
	writeJSON(w, http.StatusOK, s.view(inst))
}

func (s *Server) lookup(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

func (s *Server) view(inst *Instance) StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked(inst)
}

func (s *Server) viewLocked(inst *Instance) StatusView {
	status, errMsg := inst.runner.Status()
	return StatusView{ID: inst.ID, Listen: inst.Config.Listen, Status: status.String(), Error: errMsg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
