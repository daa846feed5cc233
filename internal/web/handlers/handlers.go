package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem"
	"github.com/saltyorg/pqlmem/internal/catalog"
	"github.com/saltyorg/pqlmem/internal/postgres"
	"github.com/saltyorg/pqlmem/internal/reaper"
	"github.com/saltyorg/pqlmem/internal/web/sse"
)

// maxBodyBytes bounds request bodies; SQL scripts are the largest payload.
const maxBodyBytes = 8 << 20

// CatalogLister exposes the provisioning ledger to the API
type CatalogLister interface {
	List(ctx context.Context, includeDropped bool) ([]*catalog.Database, error)
}

// ReaperStatus exposes the reaper state to the API
type ReaperStatus interface {
	Status() reaper.Status
}

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	manager     *pqlmem.Manager
	catalog     CatalogLister
	reaper      ReaperStatus
	broker      *sse.Broker
	versionInfo VersionInfo
}

// New creates a new Handlers instance
func New(manager *pqlmem.Manager, versionInfo VersionInfo) *Handlers {
	return &Handlers{
		manager:     manager,
		versionInfo: versionInfo,
	}
}

// SetCatalog sets the provisioning ledger
func (h *Handlers) SetCatalog(c CatalogLister) {
	h.catalog = c
}

// SetReaper sets the reaper
func (h *Handlers) SetReaper(r ReaperStatus) {
	h.reaper = r
}

// SetSSEBroker sets the SSE broker for broadcasting engine events
func (h *Handlers) SetSSEBroker(b *sse.Broker) {
	h.broker = b
}

func (h *Handlers) broadcastEvent(eventType sse.EventType, data any) {
	if h.broker != nil {
		h.broker.Broadcast(sse.Event{Type: eventType, Data: data})
	}
}

// decodeJSON reads a JSON body into v
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.jsonError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// jsonResponse writes v as JSON with the given status
func (h *Handlers) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// jsonError writes an error message as JSON
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}

// managerError maps a Manager error onto an HTTP status
func (h *Handlers) managerError(w http.ResponseWriter, op string, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Msg("Database operation failed")
	} else {
		log.Debug().Err(err).Str("op", op).Int("status", status).Msg("Database operation rejected")
	}
	h.jsonError(w, err.Error(), status)
}

// StatusForError returns the HTTP status for an error returned by the Manager
func StatusForError(err error) int {
	switch {
	case errors.Is(err, pqlmem.ErrConfiguration), errors.Is(err, postgres.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, postgres.ErrDatabaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, postgres.ErrDatabaseExists):
		return http.StatusConflict
	case errors.Is(err, pqlmem.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, pqlmem.ErrInitialization):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pqlmem.ErrOperation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
