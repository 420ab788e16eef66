package api

import (
	"log/slog"
	"net/http"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

type MeHandler struct {
	store  store.Store
	hub    *notify.Hub
	logger *slog.Logger
}

func NewMeHandler(s store.Store, hub *notify.Hub, logger *slog.Logger) *MeHandler {
	return &MeHandler{store: s, hub: hub, logger: logger}
}

// Get handles GET /api/v1/me
func (h *MeHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

type UpdateProfileRequest struct {
	FullName          *string `json:"full_name,omitempty"`
	Phone             *string `json:"phone,omitempty"`
	Village           *string `json:"village,omitempty"`
	District          *string `json:"district,omitempty"`
	State             *string `json:"state,omitempty"`
	PreferredLanguage *string `json:"preferred_language,omitempty"`
}

// Update handles PUT /api/v1/me. The role cannot be changed here.
func (h *MeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u := *currentUser(r)
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	apply(&u.FullName, req.FullName)
	apply(&u.Phone, req.Phone)
	apply(&u.Village, req.Village)
	apply(&u.District, req.District)
	apply(&u.State, req.State)
	apply(&u.PreferredLanguage, req.PreferredLanguage)

	if err := h.store.UpsertUser(r.Context(), &u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &u)
}

// Notifications handles GET /api/v1/me/notifications?unread=true&limit=N
func (h *MeHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.store.ListNotifications(r.Context(), currentUser(r).ID, unread, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(list))
}

// UnreadCount handles GET /api/v1/me/notifications/unread
func (h *MeHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.UnreadCount(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// MarkRead handles POST /api/v1/me/notifications/{id}/read
func (h *MeHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.MarkNotificationRead(r.Context(), currentUser(r).ID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead handles POST /api/v1/me/notifications/read-all
func (h *MeHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.MarkAllNotificationsRead(r.Context(), currentUser(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

// Stream handles GET /api/v1/me/notifications/stream, upgrading to a
// WebSocket that receives new notifications as they are created.
func (h *MeHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "notification stream unavailable"})
		return
	}
	userID := currentUser(r).ID
	if err := h.hub.ServeWS(w, r, userID); err != nil {
		h.logger.Debug("notification stream closed", "user_id", userID, "error", err)
	}
}
