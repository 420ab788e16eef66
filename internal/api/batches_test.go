package api

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

func TestCreateBatch(t *testing.T) {
	a := setupTestRouter(t, nil)

	w := a.do(t, "POST", "/api/v1/batches", a.farmer, map[string]interface{}{
		"crop_name":        "Tomato",
		"area_acres":       1.5,
		"sowing_date":      "2025-06-01",
		"expected_harvest": "2025-09-15",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[BatchResponse](t, w)
	assert.Equal(t, a.farmer.ID, resp.FarmerID)
	assert.Equal(t, store.BatchStatusActive, resp.Status)
	require.Len(t, resp.Stages, store.StageCount)
	assert.Equal(t, store.StageStatusOpen, resp.Stages[0].Status)
	assert.Equal(t, store.StageStatusLocked, resp.Stages[1].Status)
}

func TestCreateBatchValidation(t *testing.T) {
	a := setupTestRouter(t, nil)
	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed", `{"crop_name":`},
		{"missing crop", map[string]string{"variety": "x"}},
		{"bad date", map[string]string{"crop_name": "Ragi", "sowing_date": "01/06/2025"}},
		{"harvest before sowing", map[string]string{"crop_name": "Ragi", "sowing_date": "2025-06-01", "expected_harvest": "2025-05-01"}},
		{"negative area", map[string]interface{}{"crop_name": "Ragi", "area_acres": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, "POST", "/api/v1/batches", a.farmer, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestBatchVisibility(t *testing.T) {
	a := setupTestRouter(t, nil)
	b := a.createBatch(t)
	other := &store.User{ID: uuid.New(), FullName: "Other"}

	w := a.do(t, "GET", "/api/v1/batches/"+b.ID.String(), other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, "GET", "/api/v1/batches/"+b.ID.String(), a.admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, "GET", "/api/v1/batches/"+uuid.NewString(), a.farmer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "GET", "/api/v1/batches/not-a-uuid", a.farmer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Farmers only ever list their own batches.
	w = a.do(t, "GET", "/api/v1/batches?farmer_id="+a.farmer.ID.String(), other, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*store.Batch](t, w))

	w = a.do(t, "GET", "/api/v1/batches?farmer_id="+a.farmer.ID.String(), a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*store.Batch](t, w), 1)
}

func TestSubmitImageValidation(t *testing.T) {
	a := setupTestRouter(t, nil)
	b := a.createBatch(t)
	path := "/api/v1/batches/" + b.ID.String() + "/stages/1/images"

	tests := []struct {
		name string
		path string
		body map[string]interface{}
		want int
	}{
		{"ftp url", path, map[string]interface{}{"image_url": "ftp://x/y.jpg", "sha256": hash64()}, http.StatusBadRequest},
		{"short hash", path, map[string]interface{}{"image_url": "https://x/y.jpg", "sha256": "abc"}, http.StatusBadRequest},
		{"latitude", path, map[string]interface{}{"image_url": "https://x/y.jpg", "sha256": hash64(), "latitude": 91}, http.StatusBadRequest},
		{"stage zero", "/api/v1/batches/" + b.ID.String() + "/stages/0/images", map[string]interface{}{"image_url": "https://x/y.jpg", "sha256": hash64()}, http.StatusBadRequest},
		{"locked stage", "/api/v1/batches/" + b.ID.String() + "/stages/2/images", map[string]interface{}{"image_url": "https://x/y.jpg", "sha256": hash64()}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, "POST", tt.path, a.farmer, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	sum := hash64()
	w := a.do(t, "POST", path, a.farmer, map[string]string{"image_url": "https://x/a.jpg", "sha256": strings.ToUpper(sum)})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	img := decode[store.StageImage](t, w)
	assert.Equal(t, sum, img.SHA256)
	assert.Equal(t, store.ImageStatusPending, img.Status)

	w = a.do(t, "POST", path, a.farmer, map[string]string{"image_url": "https://x/b.jpg", "sha256": sum})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, "POST", path, a.admin, map[string]string{"image_url": "https://x/c.jpg", "sha256": hash64()})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCompleteStageNeedsApprovedImages(t *testing.T) {
	a := setupTestRouter(t, nil)
	b := a.createBatch(t)
	path := "/api/v1/batches/" + b.ID.String() + "/stages/1/complete"

	img := a.submitImage(t, b.ID, 1)
	w := a.do(t, "POST", path, a.farmer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	a.screen(t, img.ID, store.VerdictApproved)
	a.screen(t, a.submitImage(t, b.ID, 1).ID, store.VerdictApproved)

	w = a.do(t, "POST", path, a.farmer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[store.StageCompletion](t, w)
	assert.Equal(t, 2, res.Verified.VerifiedImages)
	require.NotNil(t, res.Next)
	assert.Equal(t, store.StageStatusOpen, res.Next.Status)

	w = a.do(t, "POST", path, a.farmer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCertificateLifecycle(t *testing.T) {
	a := setupTestRouter(t, nil)
	b := a.createBatch(t)
	certPath := "/api/v1/batches/" + b.ID.String() + "/certificate"

	w := a.do(t, "POST", certPath, a.farmer, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = a.do(t, "GET", certPath, a.farmer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	a.verifyBatch(t, b.ID)

	w = a.do(t, "POST", certPath, a.farmer, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cert := decode[CertificateResponse](t, w)
	assert.Equal(t, store.AnchorStatusDisabled, cert.AnchorStatus)
	assert.Equal(t, "https://trace.example.in/trace/"+cert.Code, cert.TraceURL)
	assert.Equal(t, "https://trace.example.in/public/certificates/"+cert.Code+"/qr.png", cert.QRURL)
	assert.Len(t, cert.PayloadHash, 64)

	// Issuing again returns the same certificate.
	w = a.do(t, "POST", certPath, a.farmer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cert.Code, decode[CertificateResponse](t, w).Code)

	w = a.do(t, "GET", certPath, a.farmer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cert.Code, decode[CertificateResponse](t, w).Code)

	// Public trace works without auth and accepts a hand-typed code.
	w = a.do(t, "GET", "/public/trace/"+strings.ToLower(cert.Code), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	trace := decode[workflow.Trace](t, w)
	assert.Equal(t, cert.Code, trace.Code)
	assert.True(t, trace.HashVerified)
	assert.Equal(t, "Lakshmi", trace.Farmer.Name)
	assert.Len(t, trace.Stages, store.StageCount)

	w = a.do(t, "GET", "/public/trace/KB-NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, "GET", "/public/certificates/"+cert.Code+"/qr.png?size=128", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Cache-Control"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = a.do(t, "GET", "/public/certificates/"+cert.Code+"/qr.png?size=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, "GET", "/public/certificates/KB-0000000000/qr.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Contains(t, kinds(t, a, a.farmer.ID), notify.KindCertificateIssued)
	assert.Contains(t, kinds(t, a, a.farmer.ID), notify.KindBatchVerified)
}

func TestAppealRejectedImage(t *testing.T) {
	a := setupTestRouter(t, nil)
	b := a.createBatch(t)
	img := a.submitImage(t, b.ID, 1)
	path := "/api/v1/images/" + img.ID.String() + "/appeal"

	w := a.do(t, "POST", path, a.farmer, map[string]string{"reason": "real photo"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "pending images cannot be appealed")

	a.screen(t, img.ID, store.VerdictRejected)

	w = a.do(t, "POST", path, a.farmer, map[string]string{"reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, "POST", path, a.admin, map[string]string{"reason": "not mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, "POST", path, a.farmer, map[string]string{"reason": "This is my field, taken at dawn."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	appeal := decode[store.Appeal](t, w)
	assert.Equal(t, store.AppealStatusOpen, appeal.Status)

	got, err := a.store.GetImage(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ImageStatusAppealed, got.Status)
	assert.Contains(t, kinds(t, a, a.admin.ID), notify.KindAppealFiled)
}

func kinds(t *testing.T, a *testAPI, user uuid.UUID) []string {
	t.Helper()
	notes, err := a.store.ListNotifications(context.Background(), user, false, 100)
	require.NoError(t, err)
	var out []string
	for _, n := range notes {
		out = append(out, n.Kind)
	}
	return out
}
