package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calport/callbridge/service"
	"github.com/calport/callbridge/transport"
)

// newAdminServer builds the introspection and administration API. It is the
// out-of-band surface: creating and destroying services, inspecting queues,
// dropping stale commands, scraping metrics.
func (c *Coordinator) newAdminServer() *http.Server {
	r := chi.NewRouter()

	r.Get("/api/status", c.handleStatus)
	r.Get("/api/services", c.handleListServices)
	r.Post("/api/services", c.handleCreateService)
	r.Get("/api/services/{id}", c.handleGetService)
	r.Delete("/api/services/{id}", c.handleDeleteService)
	r.Post("/api/services/{id}/filter", c.handleFilterService)
	r.Get("/api/transports", c.handleListTransports)
	r.Handle("/metrics", c.Metrics.Handler())

	return &http.Server{
		Addr:    c.cfg.AdminListen,
		Handler: r,
	}
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":           time.Since(c.started).String(),
		"sessions":         c.SessionCount(),
		"services_active":  c.Registry.ActiveCount(),
		"registry_cap":     c.Registry.Capacity(),
		"last_reclamation": c.Registry.LastGC(),
	})
}

func (c *Coordinator) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Registry.Snapshot())
}

func (c *Coordinator) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    uint32 `json:"id"`
		Flags uint32 `json:"flags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := c.Registry.Create(req.ID, req.Flags); err != nil {
		writeError(w, registryStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID})
}

func (c *Coordinator) handleGetService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}
	svc, err := c.Registry.Lookup(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, service.Info{
		ID:         svc.ID(),
		Flags:      svc.Flags(),
		State:      svc.State(),
		LastUpdate: svc.LastUpdate(),
		QueueLen:   svc.Queue().Len(),
		QueueCap:   svc.Queue().Cap(),
		Endpoints:  svc.EndpointCount(),
	})
}

func (c *Coordinator) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}
	if err := c.Registry.Destroy(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFilterService drops queued commands above a payload size threshold,
// the administrative cleanup path.
func (c *Coordinator) handleFilterService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}
	var req struct {
		MaxPayload int `json:"max_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxPayload < 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed, err := c.Dispatcher.Filter(id, func(cmd service.Command) bool {
		return len(cmd.Payload) <= req.MaxPayload
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (c *Coordinator) handleListTransports(w http.ResponseWriter, r *http.Request) {
	metas := make([]transport.Metadata, 0, len(c.Transports))
	for _, t := range c.Transports {
		metas = append(metas, t.Meta())
	}
	writeJSON(w, http.StatusOK, metas)
}

func parseServiceID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return 0, false
	}
	return uint32(id), true
}

func registryStatus(err error) int {
	if errors.Is(err, service.ErrDuplicateID) {
		return http.StatusConflict
	}
	return http.StatusInsufficientStorage
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
