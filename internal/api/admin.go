package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/screening"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

type AdminHandler struct {
	store  store.Store
	engine *workflow.Engine
}

func NewAdminHandler(s store.Store, e *workflow.Engine) *AdminHandler {
	return &AdminHandler{store: s, engine: e}
}

// Stats handles GET /api/v1/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Users handles GET /api/v1/admin/users?role=
func (h *AdminHandler) Users(w http.ResponseWriter, r *http.Request) {
	var role *store.Role
	if s := r.URL.Query().Get("role"); s != "" {
		rl := store.Role(s)
		if !rl.Valid() {
			badRequest(w, "invalid role")
			return
		}
		role = &rl
	}
	users, err := h.store.ListUsers(r.Context(), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(users))
}

type SetRoleRequest struct {
	Role store.Role `json:"role"`
}

// SetRole handles PUT /api/v1/admin/users/{id}/role. Admins cannot demote
// themselves.
func (h *AdminHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req SetRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		badRequest(w, "role must be farmer or admin")
		return
	}
	if id == currentUser(r).ID && req.Role != store.RoleAdmin {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "cannot remove your own admin role"})
		return
	}
	u, err := h.store.SetUserRole(r.Context(), id, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Images handles GET /api/v1/admin/images?status=flagged
func (h *AdminHandler) Images(w http.ResponseWriter, r *http.Request) {
	status := store.ImageStatusFlagged
	if s := r.URL.Query().Get("status"); s != "" {
		status = store.ImageStatus(s)
	}
	images, err := h.store.ListImages(r.Context(), store.ImageFilter{Status: &status, Limit: queryInt(r, "limit", 100)})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(images))
}

type ExplainResponse struct {
	Image       *store.StageImage      `json:"image"`
	Validation  *store.AIValidation    `json:"validation,omitempty"`
	Explanation *screening.Explanation `json:"explanation,omitempty"`
}

// Explain handles GET /api/v1/admin/images/{id}/explain. It breaks down the
// most recent screening result. Failed screening attempts carry no scores
// and are returned without an explanation.
func (h *AdminHandler) Explain(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	img, err := h.store.GetImage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if img == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	validations, err := h.store.GetValidations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ExplainResponse{Image: img}
	if n := len(validations); n > 0 {
		resp.Validation = validations[n-1]
		if resp.Validation.Error == "" {
			ex := h.engine.Policy().Explain(screening.ScoresFrom(resp.Validation))
			resp.Explanation = &ex
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type DecisionRequest struct {
	Approve *bool  `json:"approve"`
	Note    string `json:"note,omitempty"`
}

// Review handles POST /api/v1/admin/images/{id}/review
func (h *AdminHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approve == nil {
		badRequest(w, "approve required")
		return
	}
	img, err := h.engine.ReviewImage(r.Context(), currentUser(r), id, *req.Approve, strings.TrimSpace(req.Note))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// Appeals handles GET /api/v1/admin/appeals?status=open
func (h *AdminHandler) Appeals(w http.ResponseWriter, r *http.Request) {
	filter := store.AppealFilter{Limit: queryInt(r, "limit", 100)}
	if s := r.URL.Query().Get("status"); s != "" {
		st := store.AppealStatus(s)
		filter.Status = &st
	}
	appeals, err := h.store.ListAppeals(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(appeals))
}

type ResolveAppealRequest struct {
	Uphold *bool  `json:"uphold"`
	Note   string `json:"note,omitempty"`
}

// ResolveAppeal handles POST /api/v1/admin/appeals/{id}/resolve
func (h *AdminHandler) ResolveAppeal(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req ResolveAppealRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Uphold == nil {
		badRequest(w, "uphold required")
		return
	}
	a, img, err := h.engine.ResolveAppeal(r.Context(), currentUser(r), id, *req.Uphold, strings.TrimSpace(req.Note))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appeal": a, "image": img})
}

// RetryAnchor handles POST /api/v1/admin/certificates/{code}/retry-anchor
func (h *AdminHandler) RetryAnchor(w http.ResponseWriter, r *http.Request) {
	code, ok := certificate.NormalizeCode(chi.URLParam(r, "code"))
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	c, err := h.engine.RetryAnchor(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}
