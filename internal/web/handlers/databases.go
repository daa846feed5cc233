package handlers

import (
	"net/http"
	"strconv"

	"github.com/saltyorg/pqlmem"
)

type createDatabaseRequest struct {
	Name string `json:"name,omitempty"`
}

type databaseRequest struct {
	URI string `json:"uri"`
}

type executeSQLRequest struct {
	URI string `json:"uri"`
	SQL string `json:"sql"`
}

type migrationsRequest struct {
	URI string `json:"uri"`
	Dir string `json:"dir"`
}

// ListDatabases returns the databases on the engine, or the catalog records
// when called with ?source=catalog (add &all=true to include dropped ones).
func (h *Handlers) ListDatabases(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "catalog" {
		if h.catalog == nil {
			h.jsonError(w, "Catalog not configured", http.StatusNotFound)
			return
		}
		all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
		records, err := h.catalog.List(r.Context(), all)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, rec := range records {
			rec.URI = pqlmem.RedactURI(rec.URI)
		}
		h.jsonResponse(w, http.StatusOK, map[string]any{"databases": records})
		return
	}

	names, err := h.manager.ListDBs(r.Context())
	if err != nil {
		h.managerError(w, "list_dbs", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"databases": names})
}

// CreateDatabase provisions a database, generating a name when none is given
func (h *Handlers) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if r.ContentLength != 0 {
		if !h.decodeJSON(w, r, &req) {
			return
		}
	}

	uri, err := h.manager.NewDB(r.Context(), req.Name)
	if err != nil {
		h.managerError(w, "new_db", err)
		return
	}
	name, _ := pqlmem.DatabaseName(uri)
	h.jsonResponse(w, http.StatusCreated, map[string]string{"name": name, "uri": uri})
}

// DropDatabase drops the database addressed by uri
func (h *Handlers) DropDatabase(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.manager.DropDB(r.Context(), req.URI); err != nil {
		h.managerError(w, "drop_db", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// DatabaseExists reports whether the database addressed by ?uri= exists
func (h *Handlers) DatabaseExists(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		h.jsonError(w, "Missing uri parameter", http.StatusBadRequest)
		return
	}

	ok, err := h.manager.HasDB(r.Context(), uri)
	if err != nil {
		h.managerError(w, "has_db", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]bool{"exists": ok})
}

// ExecuteSQL runs a statement against the database addressed by uri
func (h *Handlers) ExecuteSQL(w http.ResponseWriter, r *http.Request) {
	var req executeSQLRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.SQL == "" {
		h.jsonError(w, "Missing sql", http.StatusBadRequest)
		return
	}

	res, err := h.manager.ExecuteSQL(r.Context(), req.URI, req.SQL)
	if err != nil {
		h.managerError(w, "execute_sql", err)
		return
	}
	if res.Columns == nil {
		res.Columns = []string{}
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	h.jsonResponse(w, http.StatusOK, res)
}

// RunMigrations applies the migration files in dir to the database addressed by uri
func (h *Handlers) RunMigrations(w http.ResponseWriter, r *http.Request) {
	var req migrationsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Dir == "" {
		h.jsonError(w, "Missing dir", http.StatusBadRequest)
		return
	}

	res, err := h.manager.RunMigrations(r.Context(), req.URI, req.Dir)
	if err != nil {
		h.managerError(w, "run_migrations", err)
		return
	}
	if res.Applied == nil {
		res.Applied = []string{}
	}
	if res.Skipped == nil {
		res.Skipped = []string{}
	}
	h.jsonResponse(w, http.StatusOK, res)
}
