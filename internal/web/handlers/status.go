package handlers

import (
	"net/http"

	"github.com/saltyorg/pqlmem"
	"github.com/saltyorg/pqlmem/internal/reaper"
	"github.com/saltyorg/pqlmem/internal/web/sse"
)

type statusResponse struct {
	State    string         `json:"state"`
	Engine   string         `json:"engine"`
	AdminURI string         `json:"admin_uri,omitempty"`
	Version  VersionInfo    `json:"version"`
	Reaper   *reaper.Status `json:"reaper,omitempty"`
}

// Status reports the engine state, version and reaper schedule
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:   h.manager.State().String(),
		Engine:  string(h.manager.Options().Type),
		Version: h.versionInfo,
	}
	if admin := h.manager.AdminURI(); admin != "" {
		resp.AdminURI = pqlmem.RedactURI(admin)
	}
	if h.reaper != nil {
		st := h.reaper.Status()
		resp.Reaper = &st
	}
	h.jsonResponse(w, http.StatusOK, resp)
}

// StartEngine brings the engine up without creating a database
func (h *Handlers) StartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Start(r.Context()); err != nil {
		h.managerError(w, "start", err)
		return
	}
	h.broadcastEvent(sse.EventEngineStarted, map[string]string{"state": h.manager.State().String()})
	h.jsonResponse(w, http.StatusOK, map[string]string{"state": h.manager.State().String()})
}

// StopEngine stops the engine once in-flight operations have finished
func (h *Handlers) StopEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(r.Context()); err != nil {
		h.managerError(w, "stop", err)
		return
	}
	h.broadcastEvent(sse.EventEngineStopped, map[string]string{"state": h.manager.State().String()})
	h.jsonResponse(w, http.StatusOK, map[string]string{"state": h.manager.State().String()})
}
