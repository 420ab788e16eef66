package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

type PublicHandler struct {
	store   store.Store
	engine  *workflow.Engine
	baseURL string
}

func NewPublicHandler(s store.Store, e *workflow.Engine, baseURL string) *PublicHandler {
	return &PublicHandler{store: s, engine: e, baseURL: baseURL}
}

// Trace handles GET /public/trace/{code}
func (h *PublicHandler) Trace(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Trace(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// QR handles GET /public/certificates/{code}/qr.png?size=N
func (h *PublicHandler) QR(w http.ResponseWriter, r *http.Request) {
	code, ok := certificate.NormalizeCode(chi.URLParam(r, "code"))
	if !ok {
		writeError(w, store.ErrNotFound)
		return
	}
	c, err := h.store.GetCertificateByCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeError(w, store.ErrNotFound)
		return
	}

	size := certificate.DefaultQRSize
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "size must be a positive integer")
			return
		}
		size = n
	}
	png, err := certificate.QRCode(h.baseURL, c.Code, size)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
