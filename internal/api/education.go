package api

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

var moduleIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type EducationHandler struct {
	store store.Store
}

func NewEducationHandler(s store.Store) *EducationHandler {
	return &EducationHandler{store: s}
}

// List handles GET /api/v1/education/progress
func (h *EducationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListProgress(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

type UpdateProgressRequest struct {
	Percent *int `json:"percent"`
}

// Update handles PUT /api/v1/education/progress/{module}. Progress never
// goes backwards.
func (h *EducationHandler) Update(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	if !moduleIDPattern.MatchString(module) {
		badRequest(w, "invalid module id")
		return
	}
	var req UpdateProgressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Percent == nil {
		badRequest(w, "percent required")
		return
	}
	p, err := h.store.UpsertProgress(r.Context(), currentUser(r).ID, module, *req.Percent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
