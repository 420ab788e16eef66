package api

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

const dateLayout = "2006-01-02"

var sha256Pattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

type BatchesHandler struct {
	store   store.Store
	engine  *workflow.Engine
	baseURL string
}

func NewBatchesHandler(s store.Store, e *workflow.Engine, baseURL string) *BatchesHandler {
	return &BatchesHandler{store: s, engine: e, baseURL: baseURL}
}

type CreateBatchRequest struct {
	CropName        string   `json:"crop_name"`
	Variety         string   `json:"variety,omitempty"`
	FarmLocation    string   `json:"farm_location,omitempty"`
	AreaAcres       *float64 `json:"area_acres,omitempty"`
	SowingDate      string   `json:"sowing_date,omitempty"`
	ExpectedHarvest string   `json:"expected_harvest,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

type BatchResponse struct {
	*store.Batch
	Stages []*store.Stage `json:"stages"`
}

func parseDate(s string) (*time.Time, bool) {
	if s == "" {
		return nil, true
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// Create handles POST /api/v1/batches
func (h *BatchesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CropName = strings.TrimSpace(req.CropName)
	if req.CropName == "" {
		badRequest(w, "crop_name required")
		return
	}
	if req.AreaAcres != nil && *req.AreaAcres <= 0 {
		badRequest(w, "area_acres must be positive")
		return
	}
	sowing, ok := parseDate(req.SowingDate)
	if !ok {
		badRequest(w, "sowing_date must be YYYY-MM-DD")
		return
	}
	harvest, ok := parseDate(req.ExpectedHarvest)
	if !ok {
		badRequest(w, "expected_harvest must be YYYY-MM-DD")
		return
	}
	if sowing != nil && harvest != nil && harvest.Before(*sowing) {
		badRequest(w, "expected_harvest is before sowing_date")
		return
	}

	b := &store.Batch{
		CropName:        req.CropName,
		Variety:         req.Variety,
		FarmLocation:    req.FarmLocation,
		AreaAcres:       req.AreaAcres,
		SowingDate:      sowing,
		ExpectedHarvest: harvest,
		Notes:           req.Notes,
	}
	stages, err := h.engine.CreateBatch(r.Context(), currentUser(r), b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BatchResponse{Batch: b, Stages: stages})
}

// List handles GET /api/v1/batches. Farmers see their own batches; admins
// see all of them and may filter by farmer_id.
func (h *BatchesHandler) List(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	q := r.URL.Query()
	filter := store.BatchFilter{
		Crop:   q.Get("crop"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if s := q.Get("status"); s != "" {
		st := store.BatchStatus(s)
		filter.Status = &st
	}
	switch {
	case u.Role != store.RoleAdmin:
		filter.FarmerID = &u.ID
	case q.Get("farmer_id") != "":
		id, err := uuid.Parse(q.Get("farmer_id"))
		if err != nil {
			badRequest(w, "invalid farmer_id")
			return
		}
		filter.FarmerID = &id
	}

	batches, err := h.store.ListBatches(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(batches))
}

// loadBatch fetches the batch detail if the caller owns it or is an admin.
func (h *BatchesHandler) loadBatch(w http.ResponseWriter, r *http.Request) (*store.BatchDetail, bool) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	detail, err := h.store.GetBatchDetail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if detail == nil {
		writeError(w, store.ErrNotFound)
		return nil, false
	}
	u := currentUser(r)
	if detail.Batch.FarmerID != u.ID && u.Role != store.RoleAdmin {
		writeError(w, store.ErrForbidden)
		return nil, false
	}
	return detail, true
}

// Get handles GET /api/v1/batches/{id}
func (h *BatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, ok := h.loadBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func stageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || !store.ValidStage(n) {
		badRequest(w, "stage must be between 1 and "+strconv.Itoa(store.StageCount))
		return 0, false
	}
	return n, true
}

type SubmitImageRequest struct {
	ImageURL   string     `json:"image_url"`
	SHA256     string     `json:"sha256"`
	Caption    string     `json:"caption,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

func (req SubmitImageRequest) validate() string {
	u, err := url.Parse(req.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "image_url must be an http(s) URL"
	}
	if !sha256Pattern.MatchString(req.SHA256) {
		return "sha256 must be 64 hex characters"
	}
	if req.Latitude != nil && (*req.Latitude < -90 || *req.Latitude > 90) {
		return "latitude out of range"
	}
	if req.Longitude != nil && (*req.Longitude < -180 || *req.Longitude > 180) {
		return "longitude out of range"
	}
	return ""
}

// SubmitImage handles POST /api/v1/batches/{id}/stages/{n}/images. The image
// is screened asynchronously, so the response is 202.
func (h *BatchesHandler) SubmitImage(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	n, ok := stageParam(w, r)
	if !ok {
		return
	}
	var req SubmitImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		badRequest(w, msg)
		return
	}

	img := &store.StageImage{
		BatchID:     batchID,
		StageNumber: n,
		ImageURL:    req.ImageURL,
		SHA256:      strings.ToLower(req.SHA256),
		Caption:     req.Caption,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		CapturedAt:  req.CapturedAt,
	}
	if err := h.engine.SubmitImage(r.Context(), currentUser(r), img); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, img)
}

// CompleteStage handles POST /api/v1/batches/{id}/stages/{n}/complete
func (h *BatchesHandler) CompleteStage(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	n, ok := stageParam(w, r)
	if !ok {
		return
	}
	res, err := h.engine.CompleteStage(r.Context(), currentUser(r), batchID, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type CertificateResponse struct {
	*store.Certificate
	TraceURL string `json:"trace_url"`
	QRURL    string `json:"qr_url"`
}

func (h *BatchesHandler) certificateResponse(c *store.Certificate) CertificateResponse {
	return CertificateResponse{
		Certificate: c,
		TraceURL:    certificate.TraceURL(h.baseURL, c.Code),
		QRURL:       strings.TrimRight(h.baseURL, "/") + "/public/certificates/" + c.Code + "/qr.png",
	}
}

// IssueCertificate handles POST /api/v1/batches/{id}/certificate. It returns
// 201 for a new certificate and 200 when the batch already has one.
func (h *BatchesHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	batchID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	c, created, err := h.engine.IssueCertificate(r.Context(), currentUser(r), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.certificateResponse(c))
}

// GetCertificate handles GET /api/v1/batches/{id}/certificate
func (h *BatchesHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	detail, ok := h.loadBatch(w, r)
	if !ok {
		return
	}
	c, err := h.store.GetCertificateForBatch(r.Context(), detail.Batch.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch has no certificate"})
		return
	}
	writeJSON(w, http.StatusOK, h.certificateResponse(c))
}

type AppealRequest struct {
	Reason string `json:"reason"`
}

// Appeal handles POST /api/v1/images/{id}/appeal
func (h *BatchesHandler) Appeal(w http.ResponseWriter, r *http.Request) {
	imageID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req AppealRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		badRequest(w, "reason required")
		return
	}
	a, err := h.engine.FileAppeal(r.Context(), currentUser(r), imageID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}
