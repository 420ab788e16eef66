package aiclient

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/httpx"
)

// AnalyzeRequest asks the detection service to screen one stage photo.
type AnalyzeRequest struct {
	ImageID     uuid.UUID `json:"image_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	StageNumber int       `json:"stage_number"`
	StageName   string    `json:"stage_name"`
	CropName    string    `json:"crop_name,omitempty"`
	ImageURL    string    `json:"image_url"`
	SHA256      string    `json:"sha256"`
}

// Analysis is the detection service's raw output. Scores are in 0..1.
type Analysis struct {
	AuthenticityScore   float64  `json:"authenticity_score"`
	DeepfakeProbability float64  `json:"deepfake_probability"`
	TamperScore         float64  `json:"tamper_score"`
	ModelVersion        string   `json:"model_version"`
	Labels              []string `json:"labels,omitempty"`
}

type Client interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error)
}

type HTTPClient struct {
	caller *httpx.Caller
}

// NewHTTPClient builds a client from caller options; Service defaults to "ai".
func NewHTTPClient(opts httpx.Options) *HTTPClient {
	if opts.Service == "" {
		opts.Service = "ai"
	}
	return &HTTPClient{caller: httpx.NewCaller(opts)}
}

func (c *HTTPClient) Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error) {
	var out Analysis
	if err := c.caller.Do(ctx, http.MethodPost, "/v1/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) BreakerState() string {
	return c.caller.BreakerState()
}
