package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/anibaldeboni/zero-paper/sensorhub/engine"
	"github.com/anibaldeboni/zero-paper/sensorhub/registry"
)

const maxWriteBody = 1 << 10

// handleRoot handles GET / - returns API information
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	info := map[string]any{
		"service":    "sensorhub",
		"started_at": s.systemStartTime,
		"timestamp":  time.Now(),
		"endpoints":  s.GetRoutes(),
	}
	s.sendJSONResponse(w, info, http.StatusOK)
}

// handleHealth handles GET /health. Any disabled instance marks the system
// degraded.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.deps.Instances.Status()
	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.systemStartTime).Round(time.Second).String(),
		Instances: len(statuses),
	}
	for _, st := range statuses {
		if st.Disabled {
			health.Disabled++
		}
	}
	if health.Disabled > 0 {
		health.Status = "degraded"
	}
	s.sendJSONResponse(w, health, http.StatusOK)
}

// handleInstances handles GET /instances
func (s *Server) handleInstances(w http.ResponseWriter, _ *http.Request) {
	s.sendJSONResponse(w, s.deps.Instances.Status(), http.StatusOK)
}

// handleInstance handles GET /instances/{name}
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Instances.InstanceStatus(r.PathValue("name"))
	if !ok {
		s.sendErrorResponse(w, "Instance not found", http.StatusNotFound)
		return
	}
	s.sendJSONResponse(w, st, http.StatusOK)
}

// handleWrite handles POST /instances/{name} - drives a writable instance
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBody)).Decode(&req); err != nil || req.Value == nil {
		s.sendErrorResponse(w, `Body must be {"value": <number|bool>}`, http.StatusBadRequest)
		return
	}

	if err := s.deps.Instances.Write(r.Context(), name, *req.Value); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnknownInstance):
			s.sendErrorResponse(w, "Instance not found", http.StatusNotFound)
		case errors.Is(err, registry.ErrNotWritable):
			s.sendErrorResponse(w, "Instance is not writable", http.StatusMethodNotAllowed)
		case errors.Is(err, engine.ErrDisabled):
			s.sendErrorResponse(w, "Instance is disabled", http.StatusConflict)
		default:
			log.WithFields(log.Fields{"instance": name, "error": err}).Warn("Write failed")
			s.sendErrorResponse(w, "Write failed: "+err.Error(), http.StatusBadGateway)
		}
		return
	}

	st, _ := s.deps.Instances.InstanceStatus(name)
	s.sendJSONResponse(w, st, http.StatusOK)
}

// handleQueue handles GET /queue - returns publisher queue status
func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Queue == nil {
		s.sendErrorResponse(w, "Queue not available", http.StatusServiceUnavailable)
		return
	}
	response := map[string]any{
		"publishers": s.deps.Queue.Stats(),
		"timestamp":  time.Now(),
	}
	s.sendJSONResponse(w, response, http.StatusOK)
}
