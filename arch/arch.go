// Package arch exposes a framework's architecture over HTTP: the live
// instances with their states and bindings, the registered factories, and
// the services in the registry. It also accepts retry and kill commands
// for individual instances.
package arch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/GoCodeAlone/compkit"
	"github.com/GoCodeAlone/compkit/registry"
)

// Handler serves the introspection API for one framework.
type Handler struct {
	fw     *compkit.Framework
	logger compkit.Logger
}

// NewHandler creates the introspection handler.
func NewHandler(fw *compkit.Framework, logger compkit.Logger) *Handler {
	if logger == nil {
		logger = compkit.NopLogger{}
	}
	return &Handler{fw: fw, logger: logger}
}

// Router builds the chi router for the API:
//
//	GET    /instances
//	GET    /instances/{name}
//	POST   /instances/{name}/retry
//	DELETE /instances/{name}
//	GET    /factories
//	GET    /factories/{name}
//	GET    /services
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.handleListInstances)
		r.Get("/{name}", h.handleGetInstance)
		r.Post("/{name}/retry", h.handleRetryInstance)
		r.Delete("/{name}", h.handleKillInstance)
	})
	r.Route("/factories", func(r chi.Router) {
		r.Get("/", h.handleListFactories)
		r.Get("/{name}", h.handleGetFactory)
	})
	r.Get("/services", h.handleListServices)
	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Router().ServeHTTP(w, r)
}

func (h *Handler) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	instances := h.fw.Instances()
	out := make([]compkit.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.fw.Instance(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (h *Handler) handleRetryInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.fw.Instance(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}

	var props registry.Properties
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := inst.Retry(props); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, compkit.ErrNotErroneous) {
			status = http.StatusConflict
		}
		h.writeError(w, status, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst.Snapshot())
}

func (h *Handler) handleKillInstance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.fw.Kill(name); err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListFactories(w http.ResponseWriter, _ *http.Request) {
	factories := h.fw.Factories()
	out := make([]compkit.FactorySnapshot, 0, len(factories))
	for _, f := range factories {
		out = append(out, f.Snapshot())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetFactory(w http.ResponseWriter, r *http.Request) {
	f, err := h.fw.Factory(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f.Snapshot())
}

// ServiceView is the wire form of one registered service.
type ServiceView struct {
	ID             int64               `json:"id"`
	Bundle         int64               `json:"bundle"`
	Specifications []string            `json:"specifications"`
	Ranking        int                 `json:"ranking"`
	Properties     registry.Properties `json:"properties"`
}

func (h *Handler) handleListServices(w http.ResponseWriter, _ *http.Request) {
	refs := h.fw.Registry().Services()
	out := make([]ServiceView, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ServiceView{
			ID:             ref.ID(),
			Bundle:         ref.Bundle(),
			Specifications: ref.Specifications(),
			Ranking:        ref.Ranking(),
			Properties:     ref.Properties(),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
