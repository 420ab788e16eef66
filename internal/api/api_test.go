package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/auth"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/config"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/metrics"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/workflow"
)

type stubBridge struct{}

func (stubBridge) AnchorBatch(context.Context, bridge.AnchorRequest) (*bridge.AnchorReceipt, error) {
	return &bridge.AnchorReceipt{TransactionID: "0xabc", Network: "test", Status: bridge.TxPending}, nil
}

func (stubBridge) GetTransaction(_ context.Context, id string) (*bridge.Transaction, error) {
	return &bridge.Transaction{ID: id, Status: bridge.TxConfirmed}, nil
}

type testAPI struct {
	router  http.Handler
	store   *store.MemoryStore
	engine  *workflow.Engine
	metrics *metrics.Metrics
	hub     *notify.Hub
	cfg     *config.Config
	farmer  *store.User
	admin   *store.User
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRouter(t *testing.T, b bridge.Client) *testAPI {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	logger := testLogger()

	cfg := config.Default()
	cfg.Server.PublicBaseURL = "https://trace.example.in"
	cfg.Server.RateLimitPerMin = 1000

	farmer := &store.User{ID: uuid.New(), FullName: "Lakshmi", Village: "Hosur", Role: store.RoleFarmer}
	admin := &store.User{ID: uuid.New(), FullName: "Reviewer", Role: store.RoleAdmin}
	require.NoError(t, s.UpsertUser(ctx, farmer))
	require.NoError(t, s.UpsertUser(ctx, admin))

	m := metrics.New()
	hub := notify.NewHub(logger)
	t.Cleanup(hub.Close)
	e := workflow.New(workflow.Deps{
		Store:    s,
		Bridge:   b,
		Notifier: notify.NewNotifier(s, hub, nil, logger),
		Metrics:  m,
		Config:   cfg,
		Logger:   logger,
	})
	router := NewRouter(Deps{
		Store:    s,
		Engine:   e,
		Verifier: auth.NewVerifier("", ""),
		Hub:      hub,
		Metrics:  m,
		Config:   cfg,
		Logger:   logger,
	})
	return &testAPI{router: router, store: s, engine: e, metrics: m, hub: hub, cfg: cfg, farmer: farmer, admin: admin}
}

// do sends a request as user, or anonymously when user is nil.
func (a *testAPI) do(t *testing.T, method, path string, user *store.User, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.Header.Set(auth.DevUserHeader, user.ID.String())
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func hash64() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")[:64]
}

func (a *testAPI) createBatch(t *testing.T) *store.Batch {
	t.Helper()
	w := a.do(t, "POST", "/api/v1/batches", a.farmer, map[string]interface{}{"crop_name": "Ragi", "variety": "GPU-28"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[BatchResponse](t, w)
	return resp.Batch
}

func (a *testAPI) submitImage(t *testing.T, batchID uuid.UUID, stage int) *store.StageImage {
	t.Helper()
	w := a.do(t, "POST", "/api/v1/batches/"+batchID.String()+"/stages/"+strconv.Itoa(stage)+"/images", a.farmer,
		map[string]string{"image_url": "https://img.example.com/" + uuid.NewString() + ".jpg", "sha256": hash64()})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	img := decode[store.StageImage](t, w)
	return &img
}

// screen records a screening verdict the way the background loop would.
func (a *testAPI) screen(t *testing.T, imageID uuid.UUID, verdict store.Verdict) {
	t.Helper()
	_, err := a.store.RecordValidation(context.Background(), &store.AIValidation{
		ImageID:             imageID,
		AuthenticityScore:   0.6,
		DeepfakeProbability: 0.3,
		TamperScore:         0.2,
		CombinedScore:       0.66,
		Verdict:             verdict,
		ModelVersion:        "test",
	})
	require.NoError(t, err)
}

// verifyBatch walks the batch through every stage with approved photos.
func (a *testAPI) verifyBatch(t *testing.T, batchID uuid.UUID) {
	t.Helper()
	for stage := 1; stage <= store.StageCount; stage++ {
		for i := 0; i < a.cfg.Workflow.MinImagesPerStage; i++ {
			img := a.submitImage(t, batchID, stage)
			a.screen(t, img.ID, store.VerdictApproved)
		}
		w := a.do(t, "POST", "/api/v1/batches/"+batchID.String()+"/stages/"+strconv.Itoa(stage)+"/complete", a.farmer, nil)
		require.Equal(t, http.StatusOK, w.Code, "stage %d: %s", stage, w.Body.String())
	}
}
